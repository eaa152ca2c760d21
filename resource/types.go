package resource

import "time"

// Resource type names. They name cache key scopes and tag types, and match
// the server's route segments.
const (
	TypeVehicles    = "vehicles"
	TypeOrders      = "orders"
	TypeAllocations = "allocations"
	TypeUsers       = "users"
	TypeCustomers   = "customers"
)

// Vehicle is a catalog entry.
type Vehicle struct {
	ID         string  `json:"id"`
	Model      string  `json:"model"`
	Trim       string  `json:"trim,omitempty"`
	Color      string  `json:"color,omitempty"`
	BatteryKWh float64 `json:"batteryKwh,omitempty"`
	RangeKm    int     `json:"rangeKm,omitempty"`
	Price      int64   `json:"price"`
	Status     string  `json:"status,omitempty"`
}

// Order is a customer purchase order placed through a dealer.
type Order struct {
	ID            string    `json:"id"`
	CustomerID    string    `json:"customerId"`
	VehicleID     string    `json:"vehicleId"`
	DealerID      string    `json:"dealerId"`
	Status        string    `json:"status"`
	Amount        int64     `json:"amount"`
	PaymentStatus string    `json:"paymentStatus,omitempty"`
	PaymentRef    string    `json:"paymentRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Allocation assigns catalog stock to a dealer.
type Allocation struct {
	ID        string `json:"id"`
	VehicleID string `json:"vehicleId"`
	DealerID  string `json:"dealerId"`
	Quantity  int    `json:"quantity"`
	Status    string `json:"status"`
}

// User is a console account.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	DealerID    string `json:"dealerId,omitempty"`
}

// Customer is a dealer's customer record.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}
