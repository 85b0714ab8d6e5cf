package event

// AssetInfo describes the vault's underlying token.
type AssetInfo struct {
	Address  string
	Symbol   string
	Name     string
	Decimals uint8
}

// VaultCreated is emitted by the vault factory.
type VaultCreated struct {
	Meta
	Vault   string
	Name    string
	Manager string
	Asset   AssetInfo
}

func (v *VaultCreated) EventType() EventType {
	return EventTypeVaultCreated
}

func (v *VaultCreated) VaultID() string {
	return v.Vault
}

type Deactivated struct {
	Meta
	Vault string
}

func (d *Deactivated) EventType() EventType {
	return EventTypeDeactivated
}

func (d *Deactivated) VaultID() string {
	return d.Vault
}

// Reactivated is the only transition from Inactive back to Active.
type Reactivated struct {
	Meta
	Vault string
}

func (r *Reactivated) EventType() EventType {
	return EventTypeReactivated
}

func (r *Reactivated) VaultID() string {
	return r.Vault
}

// AllocationEntry is one adapter slot in an AllocationUpdated event.
// Allocation is on a scale of 1000 = 100%.
type AllocationEntry struct {
	Adapter    string
	Allocation int64
}

// AllocationUpdated replaces the vault's full adapter allocation set.
type AllocationUpdated struct {
	Meta
	Vault       string
	Allocations []AllocationEntry
}

func (a *AllocationUpdated) EventType() EventType {
	return EventTypeAllocationUpdated
}

func (a *AllocationUpdated) VaultID() string {
	return a.Vault
}
