package attendance

import "time"

// Type は勤怠記録の種別(入室/退室)です。
type Type string

const (
	TypeEntry Type = "entry"
	TypeExit  Type = "exit"
)

// Source は勤怠記録を作成した経路です。
type Source string

const (
	SourceRecognition Source = "recognition"
	SourceManual      Source = "manual"
)

// Registry は勤怠記録エンティティです。従業員ごとに (Timestamp, ID) の順で並びます。
type Registry struct {
	ID         int64
	EmployeeID int64
	Timestamp  time.Time
	Type       Type
	Source     Source
	CreatedAt  time.Time
}
