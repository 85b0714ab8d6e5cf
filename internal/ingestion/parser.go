package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// AdminTxPrefix marks operator-injected events. They carry block number zero.
const AdminTxPrefix = "admin:"

// ParseRawEvent converts a NATS message into a typed event. The event type is
// taken from the subject: vaults.events.<type>.<vault>.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	et, err := EventTypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	return ParseEvent(et, raw.Data)
}

// EventTypeFromSubject extracts the event type token from an inbound subject.
func EventTypeFromSubject(subject string) (event.EventType, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "vaults" || parts[1] != "events" {
		return event.EventTypeUnknown, fmt.Errorf("%w: unexpected subject %q", ledger.ErrMalformedEvent, subject)
	}
	et := event.ParseEventType(parts[2])
	if et == event.EventTypeUnknown {
		return et, fmt.Errorf("%w: unknown event type %q", ledger.ErrMalformedEvent, parts[2])
	}
	return et, nil
}

// ParseEvent decodes a wire payload. The same function re-parses payloads
// stored in the event log during replay.
func ParseEvent(et event.EventType, data []byte) (event.Event, error) {
	switch et {
	case event.EventTypeVaultCreated:
		return parseVaultCreated(data)
	case event.EventTypeDeposit:
		return parseDeposit(data)
	case event.EventTypeRedeem:
		return parseRedeem(data)
	case event.EventTypeAllocationUpdated:
		return parseAllocationUpdated(data)
	case event.EventTypeDeactivated:
		m, vault, err := parseLifecycle(data, "Deactivated")
		if err != nil {
			return nil, err
		}
		return &event.Deactivated{Meta: m, Vault: vault}, nil
	case event.EventTypeReactivated:
		m, vault, err := parseLifecycle(data, "Reactivated")
		if err != nil {
			return nil, err
		}
		return &event.Reactivated{Meta: m, Vault: vault}, nil
	case event.EventTypeTotalAssetsSynced:
		return parseTotalAssetsSynced(data)
	default:
		return nil, fmt.Errorf("%w: unknown event type %s", ledger.ErrMalformedEvent, et)
	}
}

type metaJSON struct {
	TxHash         string `json:"tx_hash"`
	LogIndex       uint32 `json:"log_index"`
	BlockNumber    uint64 `json:"block_number"`
	BlockTimestamp int64  `json:"block_timestamp"`
	Vault          string `json:"vault"`
}

func (j metaJSON) decode() (event.Meta, string, error) {
	if err := validateTxHash(j.TxHash, j.BlockNumber); err != nil {
		return event.Meta{}, "", err
	}
	vault, err := parseAddress("vault", j.Vault)
	if err != nil {
		return event.Meta{}, "", err
	}
	if j.BlockTimestamp <= 0 {
		return event.Meta{}, "", fmt.Errorf("%w: block_timestamp must be positive", ledger.ErrMalformedEvent)
	}
	return event.Meta{
		TxHash:      strings.ToLower(j.TxHash),
		LogIndex:    j.LogIndex,
		BlockNumber: j.BlockNumber,
		BlockTime:   time.Unix(j.BlockTimestamp, 0).UTC(),
	}, vault, nil
}

func encodeMeta(m event.Meta, vault string) metaJSON {
	return metaJSON{
		TxHash:         m.TxHash,
		LogIndex:       m.LogIndex,
		BlockNumber:    m.BlockNumber,
		BlockTimestamp: m.BlockTime.Unix(),
		Vault:          vault,
	}
}

func validateTxHash(h string, block uint64) error {
	if block == 0 {
		if !strings.HasPrefix(h, AdminTxPrefix) || len(h) == len(AdminTxPrefix) {
			return fmt.Errorf("%w: off-chain event needs %q tx_hash", ledger.ErrMalformedEvent, AdminTxPrefix)
		}
		return nil
	}
	b, err := hexutil.Decode(h)
	if err != nil {
		return fmt.Errorf("%w: tx_hash: %v", ledger.ErrMalformedEvent, err)
	}
	if len(b) != common.HashLength {
		return fmt.Errorf("%w: tx_hash has %d bytes", ledger.ErrMalformedEvent, len(b))
	}
	return nil
}

func parseAddress(field, s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %s is not an address: %q", ledger.ErrMalformedEvent, field, s)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}

func parseAmount(field, s string) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("%w: %s is not an integer: %q", ledger.ErrMalformedEvent, field, s)
	}
	if v.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("%w: %s is negative", ledger.ErrMalformedEvent, field)
	}
	return v, nil
}

func unmarshal(data []byte, v any, name string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ledger.ErrMalformedEvent, name, err)
	}
	return nil
}

type assetJSON struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

type vaultCreatedJSON struct {
	metaJSON
	Name    string    `json:"name"`
	Manager string    `json:"manager"`
	Asset   assetJSON `json:"asset"`
}

func parseVaultCreated(data []byte) (*event.VaultCreated, error) {
	var j vaultCreatedJSON
	if err := unmarshal(data, &j, "VaultCreated"); err != nil {
		return nil, err
	}
	m, vault, err := j.decode()
	if err != nil {
		return nil, err
	}
	manager, err := parseAddress("manager", j.Manager)
	if err != nil {
		return nil, err
	}
	assetAddr, err := parseAddress("asset.address", j.Asset.Address)
	if err != nil {
		return nil, err
	}
	if j.Asset.Symbol == "" {
		return nil, fmt.Errorf("%w: asset.symbol is empty", ledger.ErrMalformedEvent)
	}
	return &event.VaultCreated{
		Meta:    m,
		Vault:   vault,
		Name:    j.Name,
		Manager: manager,
		Asset: event.AssetInfo{
			Address:  assetAddr,
			Symbol:   j.Asset.Symbol,
			Name:     j.Asset.Name,
			Decimals: j.Asset.Decimals,
		},
	}, nil
}

type flowJSON struct {
	metaJSON
	Sender   string `json:"sender"`
	Receiver string `json:"receiver,omitempty"`
	Owner    string `json:"owner"`
	Assets   string `json:"assets"`
	Shares   string `json:"shares"`
}

func (j flowJSON) decodeFlow() (sender, owner string, assets, shares sdkmath.Int, err error) {
	if sender, err = parseAddress("sender", j.Sender); err != nil {
		return
	}
	if owner, err = parseAddress("owner", j.Owner); err != nil {
		return
	}
	if assets, err = parseAmount("assets", j.Assets); err != nil {
		return
	}
	shares, err = parseAmount("shares", j.Shares)
	return
}

func parseDeposit(data []byte) (*event.Deposit, error) {
	var j flowJSON
	if err := unmarshal(data, &j, "Deposit"); err != nil {
		return nil, err
	}
	m, vault, err := j.decode()
	if err != nil {
		return nil, err
	}
	sender, owner, assets, shares, err := j.decodeFlow()
	if err != nil {
		return nil, err
	}
	return &event.Deposit{
		Meta:   m,
		Vault:  vault,
		Sender: sender,
		Owner:  owner,
		Assets: assets,
		Shares: shares,
	}, nil
}

func parseRedeem(data []byte) (*event.Redeem, error) {
	var j flowJSON
	if err := unmarshal(data, &j, "Redeem"); err != nil {
		return nil, err
	}
	m, vault, err := j.decode()
	if err != nil {
		return nil, err
	}
	sender, owner, assets, shares, err := j.decodeFlow()
	if err != nil {
		return nil, err
	}
	receiver, err := parseAddress("receiver", j.Receiver)
	if err != nil {
		return nil, err
	}
	return &event.Redeem{
		Meta:     m,
		Vault:    vault,
		Sender:   sender,
		Receiver: receiver,
		Owner:    owner,
		Assets:   assets,
		Shares:   shares,
	}, nil
}

type allocationJSON struct {
	Adapter    string `json:"adapter"`
	Allocation int64  `json:"allocation"`
}

type allocationUpdatedJSON struct {
	metaJSON
	Allocations []allocationJSON `json:"allocations"`
}

func parseAllocationUpdated(data []byte) (*event.AllocationUpdated, error) {
	var j allocationUpdatedJSON
	if err := unmarshal(data, &j, "AllocationUpdated"); err != nil {
		return nil, err
	}
	m, vault, err := j.decode()
	if err != nil {
		return nil, err
	}
	entries := make([]event.AllocationEntry, 0, len(j.Allocations))
	for i, a := range j.Allocations {
		adapter, err := parseAddress(fmt.Sprintf("allocations[%d].adapter", i), a.Adapter)
		if err != nil {
			return nil, err
		}
		entries = append(entries, event.AllocationEntry{Adapter: adapter, Allocation: a.Allocation})
	}
	return &event.AllocationUpdated{Meta: m, Vault: vault, Allocations: entries}, nil
}

func parseLifecycle(data []byte, name string) (event.Meta, string, error) {
	var j metaJSON
	if err := unmarshal(data, &j, name); err != nil {
		return event.Meta{}, "", err
	}
	return j.decode()
}

type totalAssetsJSON struct {
	metaJSON
	TotalAssets string `json:"total_assets"`
}

func parseTotalAssetsSynced(data []byte) (*event.TotalAssetsSynced, error) {
	var j totalAssetsJSON
	if err := unmarshal(data, &j, "TotalAssetsSynced"); err != nil {
		return nil, err
	}
	m, vault, err := j.decode()
	if err != nil {
		return nil, err
	}
	total, err := parseAmount("total_assets", j.TotalAssets)
	if err != nil {
		return nil, err
	}
	return &event.TotalAssetsSynced{Meta: m, Vault: vault, TotalAssets: total}, nil
}

// EncodeEvent renders an event in the inbound wire format. ParseEvent of the
// result yields an equal event. It is the indexer's payload encoder.
func EncodeEvent(evt event.Event) ([]byte, error) {
	var v any
	switch e := evt.(type) {
	case *event.VaultCreated:
		v = vaultCreatedJSON{
			metaJSON: encodeMeta(e.Meta, e.Vault),
			Name:     e.Name,
			Manager:  e.Manager,
			Asset: assetJSON{
				Address:  e.Asset.Address,
				Symbol:   e.Asset.Symbol,
				Name:     e.Asset.Name,
				Decimals: e.Asset.Decimals,
			},
		}
	case *event.Deposit:
		v = flowJSON{
			metaJSON: encodeMeta(e.Meta, e.Vault),
			Sender:   e.Sender,
			Owner:    e.Owner,
			Assets:   e.Assets.String(),
			Shares:   e.Shares.String(),
		}
	case *event.Redeem:
		v = flowJSON{
			metaJSON: encodeMeta(e.Meta, e.Vault),
			Sender:   e.Sender,
			Receiver: e.Receiver,
			Owner:    e.Owner,
			Assets:   e.Assets.String(),
			Shares:   e.Shares.String(),
		}
	case *event.AllocationUpdated:
		allocs := make([]allocationJSON, len(e.Allocations))
		for i, a := range e.Allocations {
			allocs[i] = allocationJSON{Adapter: a.Adapter, Allocation: a.Allocation}
		}
		v = allocationUpdatedJSON{metaJSON: encodeMeta(e.Meta, e.Vault), Allocations: allocs}
	case *event.Deactivated:
		v = encodeMeta(e.Meta, e.Vault)
	case *event.Reactivated:
		v = encodeMeta(e.Meta, e.Vault)
	case *event.TotalAssetsSynced:
		v = totalAssetsJSON{metaJSON: encodeMeta(e.Meta, e.Vault), TotalAssets: e.TotalAssets.String()}
	default:
		return nil, fmt.Errorf("encode: unsupported event %T", evt)
	}
	return json.Marshal(v)
}
