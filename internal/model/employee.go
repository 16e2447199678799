// Package model はドメインモデルを定義する。
package model

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// employeeCodePrefix は表示用従業員IDの接頭辞。
const employeeCodePrefix = "EMI"

// Role は従業員の部門ロールを表す。
// 値は既存フロントエンドが送信する文字列と一致させている。
type Role string

const (
	RoleEmployeeManageAdmin Role = "EmployeeMangeAdmin"
	RoleInventoryManager    Role = "InventryManager"
	RoleVehicleManager      Role = "VehicleManager"
	RoleProductionManager   Role = "ProductionManager"
	RolePaymentManager      Role = "PaymentManager"
	RoleSupplierManager     Role = "SupplierManager"
	RoleOrderManager        Role = "OrderManager"
	RoleMaintenanceManager  Role = "MaintainceManager"
	RoleStaff               Role = "Staff"
	RoleOther               Role = "Other"
)

// Roles は定義済みの全ロール。
var Roles = []Role{
	RoleEmployeeManageAdmin,
	RoleInventoryManager,
	RoleVehicleManager,
	RoleProductionManager,
	RolePaymentManager,
	RoleSupplierManager,
	RoleOrderManager,
	RoleMaintenanceManager,
	RoleStaff,
	RoleOther,
}

// Valid はロールが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	for _, role := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Employee はシステムの利用者（従業員）を表す。
// PasswordHashとGoogleIDの両方が空になることはない。
type Employee struct {
	ID           string
	EmployeeCode string // "EMI" + 数字の表示用ID
	Name         string
	Email        string
	Mobile       string
	Address      string
	Role         Role
	PasswordHash string // フェデレーションのみの従業員は空
	GoogleID     string // Googleのsubject。未連携の場合は空
	ImageRef     string
	CreatedOn    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewEmployeeCode は表示用の従業員ID（"EMI" + 6桁）を生成する。
// 一意性は保証しない。内部の識別にはIDを使うこと。
func NewEmployeeCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return employeeCodePrefix + "000000"
	}
	return fmt.Sprintf("%s%06d", employeeCodePrefix, n.Int64())
}

// HasPassword はローカルパスワードが設定されているかを返す。
func (e *Employee) HasPassword() bool {
	return e.PasswordHash != ""
}

// Session はブラウザごとのサーバーサイドセッションを表す。
// EmployeeIDが空のセッションは匿名セッションで、ログイン前のCSRFトークン発行に使われる。
type Session struct {
	ID         string
	EmployeeID string
	CSRFSecret string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Authenticated はセッションに従業員が紐付いているかを返す。
func (s *Session) Authenticated() bool {
	return s != nil && s.EmployeeID != ""
}

// Machine は工場の機械を表す。
type Machine struct {
	ID        string
	Name      string
	Model     string
	Status    string
	CreatedAt time.Time
}
