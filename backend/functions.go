package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"leaddesk/models"
)

var ErrFunction = errors.New("function call failed")

// FunctionError is a failure reported by a privileged function, either as a
// non-2xx status or as an error field inside a 200 envelope.
type FunctionError struct {
	Function   string
	StatusCode int
	Message    string
}

func (e *FunctionError) Error() string {
	if e.StatusCode != 0 && e.StatusCode != http.StatusOK {
		return fmt.Sprintf("%s: http %d: %s", e.Function, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Function, e.Message)
}

func (e *FunctionError) Is(target error) bool {
	return target == ErrFunction
}

const (
	fnCreateUser = "create-user"
	fnUpdateUser = "update-user"
	fnDeleteUser = "delete-user"
)

// CreateUserInput provisions a new desk account.
type CreateUserInput struct {
	Email    string      `json:"email" validate:"required,email"`
	Password string      `json:"password" validate:"required,min=8"`
	Name     string      `json:"name" validate:"required,max=120"`
	Role     models.Role `json:"role" validate:"required"`
}

// UpdateUserInput carries a partial update; nil fields are left alone.
type UpdateUserInput struct {
	UserID    string       `json:"user_id" validate:"required,uuid"`
	Name      *string      `json:"name,omitempty" validate:"omitempty,max=120"`
	Password  *string      `json:"password,omitempty" validate:"omitempty,min=8"`
	Role      *models.Role `json:"role,omitempty"`
	AvatarURL *string      `json:"avatar_url,omitempty" validate:"omitempty,url"`
}

// Functions calls the serverless user-lifecycle endpoints on behalf of the
// signed-in user.
type Functions struct {
	baseURL string
	client  *http.Client
}

// NewFunctions builds a client that authenticates with the caller's access
// token.
func NewFunctions(baseURL, accessToken string) *Functions {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	base := &http.Client{Timeout: 15 * time.Second}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, ts)
	client.Timeout = base.Timeout
	return &Functions{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  client,
	}
}

// NewFunctionsWithClient is used when the transport is provided by the caller.
func NewFunctionsWithClient(baseURL string, client *http.Client) *Functions {
	return &Functions{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (f *Functions) CreateUser(ctx context.Context, in CreateUserInput) (models.Agent, error) {
	var out struct {
		User models.Agent `json:"user"`
	}
	if err := f.call(ctx, fnCreateUser, in, &out); err != nil {
		return models.Agent{}, err
	}
	return out.User, nil
}

func (f *Functions) UpdateUser(ctx context.Context, in UpdateUserInput) error {
	return f.call(ctx, fnUpdateUser, in, nil)
}

func (f *Functions) DeleteUser(ctx context.Context, userID string) error {
	return f.call(ctx, fnDeleteUser, map[string]string{"user_id": userID}, nil)
}

func (f *Functions) call(ctx context.Context, name string, in interface{}, out interface{}) error {
	if f.baseURL == "" {
		return &FunctionError{Function: name, Message: "functions endpoint not configured"}
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/"+name, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", name, err)
	}

	var envelope struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := envelope.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &FunctionError{Function: name, StatusCode: resp.StatusCode, Message: msg}
	}
	// a 200 may still carry an application-level rejection
	if envelope.Error != "" {
		return &FunctionError{Function: name, StatusCode: resp.StatusCode, Message: envelope.Error}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", name, err)
		}
	}
	return nil
}
