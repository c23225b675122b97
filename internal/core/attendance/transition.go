package attendance

import "strings"

// NextType は直前の記録から次の種別を決めます。記録がなければ入室です。
func NextType(last *Registry) Type {
	if last == nil || last.Type == TypeExit {
		return TypeEntry
	}
	return TypeExit
}

// ParseType は種別を解析します。旧形式の E(entrada) と S(saída) も受け付けます。
func ParseType(raw string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "entry", "e":
		return TypeEntry, nil
	case "exit", "s":
		return TypeExit, nil
	default:
		return "", ErrInvalidType
	}
}

// CheckInsert は prev と next の間に typ の記録を置いても交互性が保たれるかを確認します。
func CheckInsert(prev *Registry, typ Type, next *Registry) error {
	if typ != NextType(prev) {
		return ErrBreaksAlternation
	}
	if next != nil && next.Type == typ {
		return ErrBreaksAlternation
	}
	return nil
}

// CheckRemoval は prev と next の間の記録を削除しても交互性が保たれるかを確認します。
func CheckRemoval(prev, next *Registry) error {
	if next != nil && next.Type != NextType(prev) {
		return ErrBreaksAlternation
	}
	return nil
}
