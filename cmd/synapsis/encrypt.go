package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"synapsis/internal/infra/config"
)

// runEncrypt prints the enc: form of a secret for pasting into the config.
func runEncrypt(args []string, out io.Writer) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: synapsis encrypt VALUE")
	}
	passphrase := os.Getenv(config.KeyEnv)
	if passphrase == "" {
		return fmt.Errorf("%s is not set", config.KeyEnv)
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, "enc:"+enc)
	return err
}
