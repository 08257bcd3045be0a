// Command examples walks through the governance flow against a running
// treasuryd: create the governor, propose a vault transfer, execute it and
// wait for the relay job.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"Treasury-Relay/sdk/go/treasury"
)

const systemProgram = "11111111111111111111111111111111"

func main() {
	endpoint := flag.String("endpoint", "http://127.0.0.1:8080", "treasuryd base URL")
	token := flag.String("token", "", "API token for write requests")
	to := flag.String("to", "", "recipient of the vault transfer")
	lamports := flag.Uint64("lamports", 1_000_000, "lamports to move out of the vault")
	flag.Parse()
	if *to == "" {
		log.Fatal("--to is required")
	}

	client, err := treasury.NewClient(*endpoint, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetToken(*token)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := client.CreateGovernor(ctx); err != nil {
		var apiErr *treasury.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
			log.Fatalf("create governor: %v", err)
		}
	}
	governor, err := client.Governor(ctx)
	if err != nil {
		log.Fatalf("load governor: %v", err)
	}
	fmt.Printf("governor %s vault %s balance %d\n", governor.Address, governor.Vault, governor.VaultBalance)

	// System transfer: u32 instruction index 2 followed by u64 lamports.
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data, 2)
	binary.LittleEndian.PutUint64(data[4:], *lamports)

	address, _, err := client.Propose(ctx, treasury.Instruction{
		ProgramID: systemProgram,
		Accounts: []treasury.AccountMeta{
			{Pubkey: governor.Vault, IsSigner: true, IsWritable: true},
			{Pubkey: *to, IsWritable: true},
		},
		Data: data,
	})
	if err != nil {
		log.Fatalf("propose: %v", err)
	}
	fmt.Printf("proposal %s\n", address)

	job, err := client.Execute(ctx, address, "")
	if err != nil {
		log.Fatalf("execute: %v", err)
	}
	job, err = client.WaitForJob(ctx, job.ID, time.Second)
	if err != nil {
		log.Fatalf("wait: %v", err)
	}
	if job.Status != "succeeded" {
		log.Fatalf("job %s failed: %s %s", job.ID, job.ErrorCode, job.LastError)
	}
	fmt.Printf("executed in slot %d signature %s\n", job.Result.Slot, job.Result.Signature)
}
