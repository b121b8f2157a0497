// Package model はドメインモデルを定義する。
package model

import "time"

// Role はチーム内での役割を表す。
type Role string

const (
	// RoleAdmin はタスクの作成・承認とメンバー管理を行う管理者。
	RoleAdmin Role = "admin"
	// RoleMember は割り当てられたタスクを進める一般メンバー。
	RoleMember Role = "member"
)

// Valid は定義済みのロールかどうかを返す。
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// Claims はIDトークンに載るカスタムクレーム。
// ロールの正はクレーム側にあり、プロフィールはこれに追従する。
type Claims struct {
	Role  Role `json:"role,omitempty"`
	Admin bool `json:"admin,omitempty"`
}

// IsAdmin は role=="admin" または admin==true のときtrueを返す。
func (c Claims) IsAdmin() bool {
	return c.Role == RoleAdmin || c.Admin
}

// EffectiveRole はクレームから導かれるロールを返す。
func (c Claims) EffectiveRole() Role {
	if c.IsAdmin() {
		return RoleAdmin
	}
	return RoleMember
}

// ClaimsForRole は指定ロールに対応するクレームを返す。
func ClaimsForRole(role Role) Claims {
	return Claims{Role: role, Admin: role == RoleAdmin}
}

// Account は認証基盤側のユーザーアカウントを表す。
type Account struct {
	ID               string
	Email            string
	PasswordHash     string
	DisplayName      string
	Claims           Claims
	TokensValidAfter time.Time // これより前に発行されたトークンは無効
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Profile はアプリケーション側のユーザープロフィールを表す。
// 初回サインイン時に作成され、削除されない。
type Profile struct {
	ID        string
	UserID    string
	Email     string
	Name      string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Actor はリクエストを発行したユーザーを表す。
// ミドルウェアで解決され、サービス層の各操作に明示的に渡される。
type Actor struct {
	UserID string
	Email  string
	Name   string
	Role   Role
}

// IsAdmin は管理者かどうかを返す。
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}
