package builtin

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/calderahq/caldera/pkg/resources"
)

// RandomStringProvider implements core.random_string: a secret value
// generated once at create time and stable thereafter. Changing the salt
// property forces replacement and thus a new value.
type RandomStringProvider struct{}

// NewRandomStringProvider creates the core.random_string provider.
func NewRandomStringProvider() *RandomStringProvider {
	return &RandomStringProvider{}
}

const defaultRandomLength = 32

var characterClasses = map[string]string{
	"lettersdigits": "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789",
	"letters":       "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ",
	"lowercase":     "abcdefghijklmnopqrstuvwxyz",
	"uppercase":     "ABCDEFGHIJKLMNOPQRSTUVWXYZ",
	"digits":        "0123456789",
	"hexdigits":     "0123456789ABCDEF",
	"octdigits":     "01234567",
}

func (p *RandomStringProvider) Schema() *resources.Schema {
	return &resources.Schema{
		Type:        "core.random_string",
		Description: "Generates a random string at create time.",
		Properties: map[string]resources.PropertySchema{
			"length": {
				Type:        "number",
				Default:     defaultRandomLength,
				Description: "Length of the generated string.",
			},
			"character_classes": {
				Type:        "list",
				Description: "Character classes to draw from: lettersdigits (default), letters, lowercase, uppercase, digits, hexdigits, octdigits.",
			},
			"salt": {
				Type:        "string",
				Immutable:   true,
				Description: "Changing the salt forces a new random value.",
			},
		},
		Attributes: []string{"value"},
	}
}

func (p *RandomStringProvider) Metadata() resources.Metadata {
	return resources.Metadata{Name: "core.random_string", Version: "1.0.0"}
}

func (p *RandomStringProvider) Validate(_ context.Context, req resources.ValidateRequest) error {
	if err := resources.ValidateProperties(p.Schema(), req.Properties); err != nil {
		return err
	}
	if _, err := randomLength(req.Properties); err != nil {
		return err
	}
	if _, err := alphabetFor(req.Properties); err != nil {
		return err
	}
	return nil
}

func randomLength(properties map[string]interface{}) (int, error) {
	raw, ok := properties["length"]
	if !ok {
		return defaultRandomLength, nil
	}
	var length int
	switch v := raw.(type) {
	case int:
		length = v
	case int64:
		length = int(v)
	case float64:
		length = int(v)
	default:
		return 0, fmt.Errorf("length must be a number")
	}
	if length < 1 || length > 512 {
		return 0, fmt.Errorf("length must be between 1 and 512")
	}
	return length, nil
}

func alphabetFor(properties map[string]interface{}) (string, error) {
	raw, ok := properties["character_classes"]
	if !ok || raw == nil {
		return characterClasses["lettersdigits"], nil
	}
	classes, ok := raw.([]interface{})
	if !ok || len(classes) == 0 {
		return "", fmt.Errorf("character_classes must be a non-empty list")
	}

	var alphabet string
	for _, c := range classes {
		name, ok := c.(string)
		if !ok {
			return "", fmt.Errorf("character class names must be strings")
		}
		chars, ok := characterClasses[name]
		if !ok {
			return "", fmt.Errorf("unknown character class %q", name)
		}
		alphabet += chars
	}
	return alphabet, nil
}

func (p *RandomStringProvider) Create(_ context.Context, req resources.CreateRequest) (*resources.CreateResponse, error) {
	length, err := randomLength(req.Properties)
	if err != nil {
		return nil, err
	}
	alphabet, err := alphabetFor(req.Properties)
	if err != nil {
		return nil, err
	}

	value, err := randomString(alphabet, length)
	if err != nil {
		return nil, fmt.Errorf("failed to generate random string: %w", err)
	}

	return &resources.CreateResponse{
		PhysicalID: uuid.New().String(),
		Attributes: map[string]interface{}{"value": value},
	}, nil
}

func randomString(alphabet string, length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

// Update regenerates only when length or character classes changed; the
// salt property is immutable so salt changes arrive as a replacement
// (delete + create) instead.
func (p *RandomStringProvider) Update(_ context.Context, req resources.UpdateRequest) (*resources.UpdateResponse, error) {
	length, err := randomLength(req.Properties)
	if err != nil {
		return nil, err
	}
	alphabet, err := alphabetFor(req.Properties)
	if err != nil {
		return nil, err
	}

	oldLength, _ := randomLength(req.OldProperties)
	oldAlphabet, _ := alphabetFor(req.OldProperties)
	if length == oldLength && alphabet == oldAlphabet {
		return &resources.UpdateResponse{PhysicalID: req.PhysicalID}, nil
	}

	value, err := randomString(alphabet, length)
	if err != nil {
		return nil, fmt.Errorf("failed to generate random string: %w", err)
	}
	return &resources.UpdateResponse{
		PhysicalID: req.PhysicalID,
		Attributes: map[string]interface{}{"value": value},
	}, nil
}

func (p *RandomStringProvider) Delete(_ context.Context, _ resources.DeleteRequest) error {
	return nil
}

func (p *RandomStringProvider) Check(_ context.Context, _ resources.CheckRequest) (*resources.CheckResponse, error) {
	return &resources.CheckResponse{Healthy: true}, nil
}

func (p *RandomStringProvider) ResolveAttribute(_ context.Context, req resources.AttributeRequest) (interface{}, error) {
	return nil, fmt.Errorf("core.random_string attribute %q is only available from the stored record", req.Attribute)
}
