package model

import "time"

// User 定义了 users 表的 ORM 模型。Subject 是身份提供方签发的稳定用户标识，
// 唯一索引保证并发的首次请求不会产生重复行。
type User struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Subject   string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"subject"`
	Email     string    `gorm:"type:varchar(255)" json:"email"`
	FirstName string    `gorm:"type:varchar(100)" json:"firstName,omitempty"`
	LastName  string    `gorm:"type:varchar(100)" json:"lastName,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}
