package provider

import "fmt"

// TokenOpener recovers a provider token from its sealed form.
// *credentials.Sealer satisfies it.
type TokenOpener interface {
	Open(sealed string) (string, error)
}

// SealedFactory builds clients from sealed tokens carried in workflow inputs.
type SealedFactory struct {
	Factory Factory
	Opener  TokenOpener
}

// ForSealed opens sealed and returns a client bound to the token.
func (f SealedFactory) ForSealed(sealed string) (Client, error) {
	token, err := f.Opener.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open provider token: %w", err)
	}
	return f.Factory.ForToken(token), nil
}
