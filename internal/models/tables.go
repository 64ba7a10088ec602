package models

// System tables maintained by the sync core.
const (
	SyncQueueTable     = "sync_queue"
	ConflictAuditTable = "conflict_audit"
)

// Clinic domain tables.
const (
	TableClients      = "clients"
	TableDoctors      = "doctors"
	TableStaff        = "staff"
	TableRooms        = "rooms"
	TableEquipment    = "equipment"
	TableReservations = "reservations"
	TablePayments     = "payments"
)

// ClinicTables lists the synchronized domain tables in dependency order.
var ClinicTables = []string{
	TableClients,
	TableDoctors,
	TableStaff,
	TableRooms,
	TableEquipment,
	TableReservations,
	TablePayments,
}

// SyncedTables is every table whose rows travel to the remote store.
func SyncedTables() []string {
	out := make([]string, 0, len(ClinicTables)+1)
	out = append(out, ClinicTables...)
	return append(out, ConflictAuditTable)
}
