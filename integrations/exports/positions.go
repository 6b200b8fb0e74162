package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"termchain/native/vault"
)

// PositionRecord is one exported vault position snapshot.
type PositionRecord struct {
	VaultID    string
	Account    *vault.VaultAccount
	SnapshotAt time.Time
}

func (r *PositionRecord) snapshotTime() time.Time {
	if r.SnapshotAt.IsZero() {
		return time.Now().UTC()
	}
	return r.SnapshotAt.UTC()
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// PositionsCSV serialises position snapshots as CSV and returns the payload
// alongside a SHA-256 checksum.
func PositionsCSV(records []*PositionRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"vault", "address", "maturity", "account_debt", "vault_shares", "last_update", "snapshot_at"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, record := range records {
		if record == nil || record.Account == nil {
			continue
		}
		acct := record.Account
		row := []string{
			record.VaultID,
			acct.Address.String(),
			fmt.Sprintf("%d", acct.Maturity),
			amountString(acct.AccountDebt),
			amountString(acct.VaultShares),
			fmt.Sprintf("%d", acct.LastUpdateTime),
			record.snapshotTime().Format(time.RFC3339Nano),
		}
		if err := writer.Write(row); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

// PositionsJSONL serialises position snapshots as JSON Lines and returns the
// payload alongside a checksum.
func PositionsJSONL(records []*PositionRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, record := range records {
		if record == nil || record.Account == nil {
			continue
		}
		acct := record.Account
		payload := map[string]interface{}{
			"vault":        record.VaultID,
			"address":      acct.Address.String(),
			"maturity":     acct.Maturity,
			"account_debt": amountString(acct.AccountDebt),
			"vault_shares": amountString(acct.VaultShares),
			"last_update":  acct.LastUpdateTime,
			"snapshot_at":  record.snapshotTime().Format(time.RFC3339Nano),
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
