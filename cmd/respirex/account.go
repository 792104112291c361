package main

import (
	"fmt"

	"github.com/YuminosukeSato/respirex/auth"
	"github.com/spf13/cobra"
)

func (a *app) registerCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withUsers(func(users *auth.Store) error {
				if _, err := users.Register(cmd.Context(), email, password); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Registration successful!")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

func (a *app) loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Check an email and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withUsers(func(users *auth.Store) error {
				user, err := users.Login(cmd.Context(), email, password)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Welcome to RespireX, %s\n", user.Email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

func (a *app) withUsers(fn func(*auth.Store) error) error {
	users, err := a.openUsers()
	if err != nil {
		return err
	}
	defer users.Close()
	return fn(users)
}
