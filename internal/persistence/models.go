package persistence

// UserRow is a registered user. Online state is never stored.
type UserRow struct {
	Nickname string `gorm:"primaryKey"`
	Verifier string `gorm:"not null"`
	Position int    `gorm:"not null"`
}

func (UserRow) TableName() string { return "users" }

// ProjectRow is a project with its members in insertion order. Chat
// channels are not stored; every run allocates new ones.
type ProjectRow struct {
	Name     string    `gorm:"primaryKey"`
	Members  []string  `gorm:"serializer:json"`
	Position int       `gorm:"not null"`
	Cards    []CardRow `gorm:"foreignKey:ProjectName;references:Name;constraint:OnDelete:CASCADE"`
}

func (ProjectRow) TableName() string { return "projects" }

// CardRow is one card with its full list history.
type CardRow struct {
	ID          uint     `gorm:"primaryKey"`
	ProjectName string   `gorm:"not null;index;uniqueIndex:idx_card_project_name"`
	Name        string   `gorm:"not null;uniqueIndex:idx_card_project_name"`
	Description string
	History     []string `gorm:"serializer:json"`
	Position    int      `gorm:"not null"`
}

func (CardRow) TableName() string { return "cards" }
