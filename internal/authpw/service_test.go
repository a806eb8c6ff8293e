package authpw

import (
	"context"
	"errors"
	"testing"
	"time"

	"redpen/api/internal/store"
)

type mockUserStore struct {
	users         map[string]store.User
	emailIndex    map[string]string // email -> userID
	verifications map[string]store.User
	resets        map[string]struct {
		userID    string
		expiresAt time.Time
		used      bool
	}
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:         make(map[string]store.User),
		emailIndex:    make(map[string]string),
		verifications: make(map[string]store.User),
		resets: make(map[string]struct {
			userID    string
			expiresAt time.Time
			used      bool
		}),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return nil
}

func (m *mockUserStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	if user, ok := m.users[userID]; ok {
		user.VerificationToken = token
		user.VerificationExpiresAt = &expiresAt
		m.users[userID] = user
		m.verifications[token] = user
	}
	return nil
}

func (m *mockUserStore) VerifyUserEmail(ctx context.Context, token string) error {
	if user, ok := m.verifications[token]; ok {
		user.IsEmailVerified = true
		m.users[user.ID] = user
		m.emailIndex[user.Email] = user.ID
		return nil
	}
	return errors.New("invalid token")
}

func (m *mockUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if user, ok := m.users[userID]; ok {
		user.PasswordHash = passwordHash
		m.users[userID] = user
		return nil
	}
	return errors.New("user not found")
}

func (m *mockUserStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	m.resets[token] = struct {
		userID    string
		expiresAt time.Time
		used      bool
	}{userID: userID, expiresAt: expiresAt, used: false}
	return nil
}

func (m *mockUserStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	if reset, ok := m.resets[token]; ok && !reset.used && time.Now().Before(reset.expiresAt) {
		return reset.userID, nil
	}
	return "", errors.New("invalid or expired token")
}

func (m *mockUserStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	if reset, ok := m.resets[token]; ok {
		reset.used = true
		m.resets[token] = reset
	}
	return nil
}

func TestSignUp(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	t.Run("successful sign up defaults to student", func(t *testing.T) {
		req := SignUpRequest{
			Email:       "jordan@example.edu",
			Password:    "password123",
			DisplayName: "Jordan P.",
		}

		resp, err := svc.SignUp(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if resp.UserID == "" {
			t.Error("expected UserID to be set")
		}
		if resp.VerificationToken == "" {
			t.Error("expected VerificationToken to be set")
		}
		if !resp.RequiresEmailVerify {
			t.Error("expected RequiresEmailVerify to be true")
		}
		user, _ := mockStore.GetUserByID(ctx, resp.UserID)
		if user.Role != "student" {
			t.Errorf("expected default role student, got %s", user.Role)
		}
	})

	t.Run("grader role preserved", func(t *testing.T) {
		resp, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "grader@example.edu",
			Password:    "password123",
			DisplayName: "Prof. Lee",
			Role:        "grader",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		user, _ := mockStore.GetUserByID(ctx, resp.UserID)
		if user.Role != "grader" {
			t.Errorf("expected grader role, got %s", user.Role)
		}
	})

	t.Run("admin role rejected", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "sneaky@example.edu",
			Password:    "password123",
			DisplayName: "Sneaky",
			Role:        "admin",
		})
		if err == nil {
			t.Error("expected error for admin self-registration")
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "jordan@example.edu",
			Password:    "password123",
			DisplayName: "Another Jordan",
		})
		if err == nil {
			t.Error("expected error for duplicate email")
		}
	})

	t.Run("short password", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "short@example.edu",
			Password:    "short",
			DisplayName: "Short",
		})
		if err == nil {
			t.Error("expected error for short password")
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		if _, err := svc.SignUp(ctx, SignUpRequest{}); err == nil {
			t.Error("expected error for missing fields")
		}
	})
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	resp, _ := svc.SignUp(ctx, SignUpRequest{
		Email:       "jordan@example.edu",
		Password:    "password123",
		DisplayName: "Jordan P.",
	})
	svc.VerifyEmail(ctx, resp.VerificationToken)

	t.Run("successful sign in", func(t *testing.T) {
		signInResp, err := svc.SignIn(ctx, SignInRequest{
			Email:    "jordan@example.edu",
			Password: "password123",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if signInResp.User.Email != "jordan@example.edu" {
			t.Errorf("unexpected email %s", signInResp.User.Email)
		}
		if signInResp.RequiresVerify {
			t.Error("expected RequiresVerify to be false for verified user")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.SignIn(ctx, SignInRequest{
			Email:    "jordan@example.edu",
			Password: "wrongpassword",
		})
		if err == nil {
			t.Error("expected error for wrong password")
		}
	})

	t.Run("non-existent user", func(t *testing.T) {
		_, err := svc.SignIn(ctx, SignInRequest{
			Email:    "nobody@example.edu",
			Password: "password123",
		})
		if err == nil {
			t.Error("expected error for non-existent user")
		}
	})

	t.Run("unverified email", func(t *testing.T) {
		svc.SignUp(ctx, SignUpRequest{
			Email:       "unverified@example.edu",
			Password:    "password123",
			DisplayName: "Unverified",
		})

		resp, err := svc.SignIn(ctx, SignInRequest{
			Email:    "unverified@example.edu",
			Password: "password123",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !resp.RequiresVerify {
			t.Error("expected RequiresVerify to be true for unverified user")
		}
	})
}

func TestVerifyEmail(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	resp, _ := svc.SignUp(ctx, SignUpRequest{
		Email:       "jordan@example.edu",
		Password:    "password123",
		DisplayName: "Jordan P.",
	})

	t.Run("valid token", func(t *testing.T) {
		if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		user, _ := mockStore.GetUserByID(ctx, resp.UserID)
		if !user.IsEmailVerified {
			t.Error("expected user to be verified")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		if err := svc.VerifyEmail(ctx, "invalid-token"); err == nil {
			t.Error("expected error for invalid token")
		}
	})

	t.Run("empty token", func(t *testing.T) {
		if err := svc.VerifyEmail(ctx, ""); err == nil {
			t.Error("expected error for empty token")
		}
	})
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	resp, _ := svc.SignUp(ctx, SignUpRequest{
		Email:       "jordan@example.edu",
		Password:    "password123",
		DisplayName: "Jordan P.",
	})
	svc.VerifyEmail(ctx, resp.VerificationToken)

	t.Run("request reset for existing user", func(t *testing.T) {
		token, err := svc.RequestPasswordReset(ctx, "jordan@example.edu")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token == "" {
			t.Error("expected token to be generated")
		}
	})

	t.Run("request reset for non-existent user - no error", func(t *testing.T) {
		if _, err := svc.RequestPasswordReset(ctx, "nobody@example.edu"); err != nil {
			t.Errorf("expected no error for non-existent user, got: %v", err)
		}
	})

	t.Run("reset password with valid token", func(t *testing.T) {
		token, _ := svc.RequestPasswordReset(ctx, "jordan@example.edu")

		err := svc.ResetPassword(ctx, ResetPasswordRequest{
			Token:       token,
			NewPassword: "newpassword123",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, err := svc.SignIn(ctx, SignInRequest{
			Email:    "jordan@example.edu",
			Password: "password123",
		}); err == nil {
			t.Error("expected old password to not work")
		}

		if _, err := svc.SignIn(ctx, SignInRequest{
			Email:    "jordan@example.edu",
			Password: "newpassword123",
		}); err != nil {
			t.Errorf("expected new password to work: %v", err)
		}
	})

	t.Run("reset with invalid token", func(t *testing.T) {
		err := svc.ResetPassword(ctx, ResetPasswordRequest{
			Token:       "invalid-token",
			NewPassword: "newpassword123",
		})
		if err == nil {
			t.Error("expected error for invalid token")
		}
	})

	t.Run("reset with short password", func(t *testing.T) {
		err := svc.ResetPassword(ctx, ResetPasswordRequest{
			Token:       "some-token",
			NewPassword: "short",
		})
		if err == nil {
			t.Error("expected error for short password")
		}
	})
}
