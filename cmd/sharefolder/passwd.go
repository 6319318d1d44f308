package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"sharefolder/internal/auth"
)

var (
	passwdPassword string
	passwdBcrypt   bool
	passwdCost     int
	passwdName     string
	passwdSubdir   string
)

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Hash a password for the user list",
	Long: `passwd prints the SHA-256 hex digest of a password, or a bcrypt hash with
--bcrypt. With --name it prints a complete name@sha256hex/subdir user spec.
Without -P the password is read from stdin.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pw := passwdPassword
		if pw == "" {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("passwd: no password given")
			}
			pw = strings.TrimRight(line, "\r\n")
		}
		if pw == "" {
			return errors.New("passwd: empty password")
		}
		out := cmd.OutOrStdout()

		if passwdBcrypt {
			if passwdCost < bcrypt.MinCost || passwdCost > bcrypt.MaxCost {
				return fmt.Errorf("invalid cost %d (min=%d max=%d)", passwdCost, bcrypt.MinCost, bcrypt.MaxCost)
			}
			h, err := bcrypt.GenerateFromPassword([]byte(pw), passwdCost)
			if err != nil {
				return fmt.Errorf("bcrypt: %w", err)
			}
			fmt.Fprintln(out, string(h))
			return nil
		}

		h := auth.HashPassword(pw)
		if passwdName == "" {
			fmt.Fprintln(out, h)
			return nil
		}
		spec := passwdName + "@" + h
		if sub := strings.Trim(passwdSubdir, "/"); sub != "" {
			spec += "/" + sub
		}
		fmt.Fprintln(out, spec)
		return nil
	},
}

func init() {
	f := passwdCmd.Flags()
	f.StringVarP(&passwdPassword, "password", "P", "", "password (default: read a line from stdin)")
	f.BoolVar(&passwdBcrypt, "bcrypt", false, "print a bcrypt hash instead of SHA-256")
	f.IntVar(&passwdCost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	f.StringVar(&passwdName, "name", "", "print a full user spec for this name")
	f.StringVar(&passwdSubdir, "subdir", "", "user root below the shared root, for --name")
}
