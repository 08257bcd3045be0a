package treasury

import (
	"Treasury-Relay/internal/authority"
)

// Addresses 汇总治理程序使用的三个派生地址。
type Addresses struct {
	Governor authority.Authority
	Vault    authority.Authority
	Executor authority.Authority
}

// DeriveAddresses 计算治理者、金库与执行者的规范派生地址。
func DeriveAddresses() (Addresses, error) {
	var out Addresses
	for _, target := range []struct {
		seed string
		dst  *authority.Authority
	}{
		{authority.SeedGovernor, &out.Governor},
		{authority.SeedTreasury, &out.Vault},
		{authority.SeedExecute, &out.Executor},
	} {
		addr, bump, err := authority.Derive(target.seed, ProgramID)
		if err != nil {
			return Addresses{}, err
		}
		*target.dst = authority.Authority{Seed: target.seed, Bump: bump, Address: addr}
	}
	return out, nil
}
