package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/matt-riley/flagdoc/internal/middleware"
)

// hashKeyCommand implements "hash-key <secret>". A secret of "-" is read
// from the first line of stdin so it stays out of shell history.
func hashKeyCommand(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: hash-key <secret>")
	}

	secret := args[0]
	if secret == "-" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read secret: %w", err)
		}
		secret = strings.TrimRight(line, "\r\n")
	}
	if secret == "" {
		return errors.New("secret must not be empty")
	}

	hash, err := middleware.HashAPIKey(secret)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}
	_, err = fmt.Fprintln(stdout, hash)
	return err
}
