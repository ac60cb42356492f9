package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"epochsync/core"
	"epochsync/core/storage"
	"epochsync/observability"
	"epochsync/validator"
)

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the chain index tip, nonce and row counts",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func validateCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "validate",
		Short: "Report whether a block hash is valid, orphaned or missing",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}
	c.Flags().String("hash", "", "block header hash (hex)")
	_ = c.MarkFlagRequired("hash")
	return c
}

func nonceCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "nonce",
		Short: "Print the evolving nonce as of the last block before a slot",
		Args:  cobra.NoArgs,
		RunE:  runNonce,
	}
	c.Flags().Uint64("slot", 0, "slot number")
	_ = c.MarkFlagRequired("slot")
	return c
}

func verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute the nonce chain over the active rows and check every stored eta_v",
		Args:  cobra.NoArgs,
		RunE:  runVerify,
	}
}

// withIndex opens the configured chain index for a read-only command.
func withIndex(c *cobra.Command, fn func(*core.ChainIndex) error) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	observability.InitLogger("epochsyncd", "warn")
	index, err := openIndex(cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, index.Close())
	}()
	return fn(index)
}

func runStatus(c *cobra.Command, _ []string) error {
	return withIndex(c, func(index *core.ChainIndex) error {
		out := c.OutOrStdout()
		version, err := index.Version()
		if err != nil {
			return err
		}
		counts, err := index.Counts()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "schema version: %d\n", version)

		if err := printTip(out, index); err != nil {
			return err
		}
		fmt.Fprintf(out, "rows: %d (%d orphaned)\n", counts.Total, counts.Orphaned)
		return nil
	})
}

func printTip(out io.Writer, chain storage.Reader) error {
	tip, err := chain.TipHeader()
	switch {
	case errors.Is(err, core.ErrNotFound):
		fmt.Fprintln(out, "tip: none")
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintf(out, "tip slot: %d\n", tip.SlotNumber)
	fmt.Fprintf(out, "tip block: %d\n", tip.BlockNumber)
	fmt.Fprintf(out, "tip hash: %x\n", tip.Hash)
	fmt.Fprintf(out, "eta_v: %x\n", tip.EtaV)
	return nil
}

func runValidate(c *cobra.Command, _ []string) error {
	raw, _ := c.Flags().GetString("hash")
	hash, err := hex.DecodeString(raw)
	if err != nil || len(hash) == 0 {
		return fmt.Errorf("--hash %q is not a hex block hash", raw)
	}
	return withIndex(c, func(index *core.ChainIndex) error {
		validity, err := index.Validate(hash)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.OutOrStdout(), validity)
		return nil
	})
}

func runNonce(c *cobra.Command, _ []string) error {
	slot, _ := c.Flags().GetUint64("slot")
	return withIndex(c, func(index *core.ChainIndex) error {
		etaV, err := index.EtaVBefore(slot)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.OutOrStdout(), "%x\n", etaV)
		return nil
	})
}

func runVerify(c *cobra.Command, _ []string) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	network, err := cfg.Network()
	if err != nil {
		return err
	}
	return withIndex(c, func(index *core.ChainIndex) error {
		checked, err := validator.VerifyNonceChain(index, network.GenesisNonce)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.OutOrStdout(), "ok: %d rows\n", checked)
		return nil
	})
}
