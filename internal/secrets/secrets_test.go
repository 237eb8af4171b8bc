package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeManager struct {
	lastRef string
	out     *secretsmanager.GetSecretValueOutput
	err     error
}

func (c *fakeManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if in.SecretId != nil {
		c.lastRef = *in.SecretId
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

// A wallet key as the relay stores it: the JSON byte-array form.
const custodialWalletJSON = `[1,2,3,4]`

func TestNewSelectsDriver(t *testing.T) {
	p, err := New(context.Background(), DriverEnv)
	if err != nil {
		t.Fatalf("New(env): %v", err)
	}
	if _, ok := p.(*EnvProvider); !ok {
		t.Fatalf("New(env) = %T", p)
	}

	if _, err := New(context.Background(), "vault"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for unknown driver, got %v", err)
	}
}

func TestEnvProvider(t *testing.T) {
	const ref = "RELAY_CUSTODIAL_WALLET"
	t.Setenv(ref, "  "+custodialWalletJSON+"  ")

	p := NewEnv()
	got, err := p.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != custodialWalletJSON {
		t.Fatalf("value = %q", got)
	}

	if _, err := p.Get(context.Background(), "RELAY_MISSING_WALLET"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := p.Get(context.Background(), "  "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty ref, got %v", err)
	}
}

func TestAWSProvider(t *testing.T) {
	t.Parallel()

	const ref = "relay/custodial-wallet"
	client := &fakeManager{
		out: &secretsmanager.GetSecretValueOutput{
			SecretString: strPtr(" " + custodialWalletJSON + " "),
		},
	}
	p, err := NewAWSWithClient(client)
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}

	got, err := p.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != custodialWalletJSON {
		t.Fatalf("value = %q", got)
	}
	if client.lastRef != ref {
		t.Fatalf("requested ref = %q", client.lastRef)
	}
}

func TestAWSProviderEmptySecret(t *testing.T) {
	t.Parallel()

	p, err := NewAWSWithClient(&fakeManager{out: &secretsmanager.GetSecretValueOutput{}})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	if _, err := p.Get(context.Background(), "relay/custodial-wallet"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for valueless secret, got %v", err)
	}
}

func strPtr(v string) *string { return &v }
