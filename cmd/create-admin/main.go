package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"speedmonitor/backend/internal/auth"
	jwtpkg "speedmonitor/backend/internal/auth/jwt"
	"speedmonitor/backend/internal/config"
	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/storage"
	"speedmonitor/backend/internal/storage/postgres"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		username string
		email    string
		password string
		role     string
	)

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create a user in the configured database",
		Example: `  create-admin --username ops --email ops@example.com --password 's3cret-pass'
  create-admin --username viewer1 --email v@example.com --role viewer  # prompts for password`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd.Context(), username, email, password, domain.UserRole(strings.ToLower(role)))
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username (required)")
	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleAdmin), "Role: admin or viewer")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func runCreate(ctx context.Context, username, email, password string, role domain.UserRole) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openCredentialStore(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	if password == "" {
		password, err = promptPassword()
		if err != nil {
			return err
		}
	}

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)
	service := auth.NewService(store, jwtManager, zap.NewNop(), auth.WithQueryTimeout(cfg.Database.QueryTimeout))

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	user, err := service.CreateUser(ctx, auth.CreateUserInput{
		Username: username,
		Email:    email,
		Password: password,
		Role:     role,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return fmt.Errorf("user %q already exists", username)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("✓ User created successfully!\n")
	fmt.Printf("  ID:       %s\n", user.ID)
	fmt.Printf("  Email:    %s\n", user.Email)
	fmt.Printf("  Username: %s\n", user.Username)
	fmt.Printf("  Role:     %s\n", user.Role)
	return nil
}

// openCredentialStore 打开持久化的凭据存储，内存存储在进程退出后即丢失，这里不允许
func openCredentialStore(cfg config.DatabaseConfig) (*postgres.Store, error) {
	switch cfg.Type {
	case "postgres":
		return postgres.NewStore(cfg)
	case "mysql":
		return postgres.NewMySQLStore(cfg)
	default:
		return nil, errors.New("SPEEDMON_DATABASE_TYPE must be postgres or mysql")
	}
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}

	if string(pw) != string(confirm) {
		return "", errors.New("passwords do not match")
	}
	return string(pw), nil
}
