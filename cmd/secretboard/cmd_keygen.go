package main

import (
	"fmt"

	"secretboard/pkg/boardcrypto"
)

type keygenCmd struct{}

func (cmd *keygenCmd) Run(_ *env) error {
	acct, err := boardcrypto.NewAccount()
	if err != nil {
		return err
	}
	defer acct.Zero()

	fmt.Printf("address:     %s\n", acct.Address())
	fmt.Printf("ACCOUNT_KEY=0x%s\n", acct.PrivateKeyHex())
	return nil
}
