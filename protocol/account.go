package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Account is a raw account address: "<workchain>:<64 hex digits>".
type Account struct {
	Workchain int32
	ID        [32]byte
}

// ParseAccount parses a raw account address.
func ParseAccount(s string) (Account, error) {
	wcPart, idPart, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return Account{}, fmt.Errorf("invalid account address %q: expected <workchain>:<hex id>", s)
	}

	wc, err := strconv.ParseInt(wcPart, 10, 32)
	if err != nil {
		return Account{}, fmt.Errorf("invalid account workchain %q: %w", wcPart, err)
	}

	raw, err := hex.DecodeString(idPart)
	if err != nil {
		return Account{}, fmt.Errorf("invalid account id %q: %w", idPart, err)
	}
	if len(raw) != 32 {
		return Account{}, fmt.Errorf("invalid account id %q: expected 32 bytes, got %d", idPart, len(raw))
	}

	account := Account{Workchain: int32(wc)}
	copy(account.ID[:], raw)
	return account, nil
}

// MustParseAccount is ParseAccount for constants and tests.
func MustParseAccount(s string) Account {
	account, err := ParseAccount(s)
	if err != nil {
		panic(err)
	}
	return account
}

// Prefix returns the first 64 bits of the account id, which decide the account's shard.
func (a Account) Prefix() uint64 {
	return binary.BigEndian.Uint64(a.ID[:8])
}

func (a Account) String() string {
	return fmt.Sprintf("%d:%s", a.Workchain, hex.EncodeToString(a.ID[:]))
}

func (a Account) IsZero() bool {
	return a == Account{}
}
