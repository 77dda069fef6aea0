package provider

import (
	"fmt"
	"strings"

	gateway "github.com/castellan-io/relaygate/internal"
)

// CredentialCodec serializes a provider's auth fields into the single opaque
// string stored in ProviderConfig.APIKeyEnc, and back. Each hosting variant
// that needs more than a bare API key (Azure, Bedrock, Vertex) supplies its
// own ordered field list;
// the codec only knows about pipe-delimited encoding and masking, never what
// the fields mean.
type CredentialCodec struct {
	// Fields names the ordered components of the credential, e.g.
	// []string{"access_key_id", "secret_access_key", "region"} for Bedrock.
	Fields []string
}

// SerializeCredential joins values (in Fields order) into a single opaque
// string. len(values) must equal len(c.Fields).
func (c CredentialCodec) SerializeCredential(values ...string) (string, error) {
	if len(values) != len(c.Fields) {
		return "", fmt.Errorf("credential codec: want %d fields, got %d", len(c.Fields), len(values))
	}
	for _, v := range values {
		if strings.Contains(v, "|") {
			return "", fmt.Errorf("%w: credential field contains reserved delimiter", gateway.ErrInvalidProviderSetup)
		}
	}
	return strings.Join(values, "|"), nil
}

// DeserializeCredential splits an opaque string back into a name->value map
// keyed by c.Fields.
func (c CredentialCodec) DeserializeCredential(opaque string) (map[string]string, error) {
	parts := strings.Split(opaque, "|")
	if len(parts) != len(c.Fields) {
		return nil, fmt.Errorf("%w: credential has %d fields, want %d", gateway.ErrInvalidProviderSetup, len(parts), len(c.Fields))
	}
	out := make(map[string]string, len(c.Fields))
	for i, name := range c.Fields {
		out[name] = parts[i]
	}
	return out, nil
}

// MaskCredential masks each field independently so partial secrets never
// leak through a longer unmasked field sitting next to a short one.
func (c CredentialCodec) MaskCredential(opaque string) string {
	parts := strings.Split(opaque, "|")
	for i, p := range parts {
		parts[i] = gateway.MaskCredential(p)
	}
	return strings.Join(parts, "|")
}

// Known field layouts for the hosting variants that use the generic codec
// instead of a bare API key.
var (
	AzureCredentialFields   = CredentialCodec{Fields: []string{"api_key", "api_version"}}
	BedrockCredentialFields = CredentialCodec{Fields: []string{"access_key_id", "secret_access_key", "region"}}
	VertexCredentialFields  = CredentialCodec{Fields: []string{"service_account_json", "project", "location"}}
)
