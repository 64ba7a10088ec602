package remote

// Server-side table definitions. Timestamps stay ISO-8601 text so values
// round-trip byte for byte with the local cache.

type ClientRow struct {
	ID             string `gorm:"primaryKey;type:text"`
	FirstName      string `gorm:"type:text"`
	LastName       string `gorm:"type:text"`
	Phone          string `gorm:"type:text"`
	Email          string `gorm:"type:text"`
	DateOfBirth    string `gorm:"type:text"`
	Address        string `gorm:"type:text"`
	MedicalHistory string `gorm:"type:text"`
	Notes          string `gorm:"type:text"`
	CreatedAt      string `gorm:"type:text"`
	UpdatedAt      string `gorm:"type:text;index"`
	LastModifiedBy string `gorm:"type:text"`
	CreatedBy      string `gorm:"type:text"`
}

func (ClientRow) TableName() string { return "clients" }

type Doctor struct {
	ID             string `gorm:"primaryKey;type:text"`
	UserID         string `gorm:"type:text"`
	Specialization string `gorm:"type:text"`
	LicenseNumber  string `gorm:"type:text"`
	HireDate       string `gorm:"type:text"`
	IsActive       *int   `gorm:"default:1"`
	CreatedAt      string `gorm:"type:text"`
	UpdatedAt      string `gorm:"type:text"`
	LastModifiedBy string `gorm:"type:text"`
}

func (Doctor) TableName() string { return "doctors" }

type Staff struct {
	ID             string `gorm:"primaryKey;type:text"`
	UserID         string `gorm:"type:text"`
	Position       string `gorm:"type:text"`
	HireDate       string `gorm:"type:text"`
	IsActive       *int   `gorm:"default:1"`
	CreatedAt      string `gorm:"type:text"`
	UpdatedAt      string `gorm:"type:text"`
	LastModifiedBy string `gorm:"type:text"`
}

func (Staff) TableName() string { return "staff" }

type Room struct {
	ID             string `gorm:"primaryKey;type:text"`
	RoomNumber     string `gorm:"type:text"`
	RoomType       string `gorm:"type:text"`
	Capacity       *int
	IsAvailable    *int   `gorm:"default:1"`
	CreatedAt      string `gorm:"type:text"`
	UpdatedAt      string `gorm:"type:text"`
	LastModifiedBy string `gorm:"type:text"`
}

func (Room) TableName() string { return "rooms" }

type Equipment struct {
	ID            string `gorm:"primaryKey;type:text"`
	RoomID        string `gorm:"type:text"`
	EquipmentName string `gorm:"type:text"`
	EquipmentType string `gorm:"type:text"`
	SerialNumber  string `gorm:"type:text"`
	Status        string `gorm:"type:text"`
	CreatedAt     string `gorm:"type:text"`
	UpdatedAt     string `gorm:"type:text"`
}

func (Equipment) TableName() string { return "equipment" }

type Reservation struct {
	ID              string `gorm:"primaryKey;type:text"`
	ClientID        string `gorm:"type:text;index"`
	DoctorID        string `gorm:"type:text"`
	RoomID          string `gorm:"type:text"`
	ReservationDate string `gorm:"type:text"`
	StartTimeUTC    string `gorm:"column:start_time_utc;type:text"`
	EndTimeUTC      string `gorm:"column:end_time_utc;type:text"`
	Status          string `gorm:"type:text"`
	Notes           string `gorm:"type:text"`
	LockedUntil     string `gorm:"type:text"`
	CreatedBy       string `gorm:"type:text"`
	CreatedAt       string `gorm:"type:text"`
	UpdatedAt       string `gorm:"type:text"`
	LastModifiedBy  string `gorm:"type:text"`
}

func (Reservation) TableName() string { return "reservations" }

type Payment struct {
	ID             string `gorm:"primaryKey;type:text"`
	ReservationID  string `gorm:"type:text"`
	ClientID       string `gorm:"type:text;index"`
	Amount         *float64
	PaymentMethod  string `gorm:"type:text"`
	PaymentDateUTC string `gorm:"column:payment_date_utc;type:text"`
	Status         string `gorm:"type:text"`
	Notes          string `gorm:"type:text"`
	ProcessedBy    string `gorm:"type:text"`
	CreatedAt      string `gorm:"type:text"`
	UpdatedAt      string `gorm:"type:text"`
	LastModifiedBy string `gorm:"type:text"`
}

func (Payment) TableName() string { return "payments" }

// ConflictAudit is the remote copy of the append-only conflict log.
type ConflictAudit struct {
	ID           string `gorm:"primaryKey;type:text"`
	Table        string `gorm:"column:table_name;type:text;not null;index"`
	RecordID     string `gorm:"type:text;not null"`
	ConflictType string `gorm:"type:text;not null"`
	LocalData    string `gorm:"type:text"`
	RemoteData   string `gorm:"type:text"`
	Resolution   string `gorm:"type:text;not null"`
	ResolvedBy   string `gorm:"type:text"`
	ResolvedAt   string `gorm:"type:text;not null"`
	CreatedAt    string `gorm:"type:text;not null;index"`
	UpdatedAt    string `gorm:"type:text"`
}

func (ConflictAudit) TableName() string { return "conflict_audit" }

// schemaModels lists every model AutoMigrate creates.
func schemaModels() []any {
	return []any{
		&ClientRow{}, &Doctor{}, &Staff{}, &Room{}, &Equipment{},
		&Reservation{}, &Payment{}, &ConflictAudit{},
	}
}
