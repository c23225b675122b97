package employee

import "time"

// Sex は従業員の性別を表します。
type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
)

// Employee は従業員エンティティです。
// 顔画像と顔インデックスは別ストアにあり、Enrolled はその両方が揃っていることを表します。
type Employee struct {
	ID         int64
	Name       string
	Contact    string
	Email      *string
	Address    string
	Country    string
	PostalCode string
	Sex        Sex
	BirthDate  time.Time
	SearchName string
	Enrolled   bool
	ImageURL   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
