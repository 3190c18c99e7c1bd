package providers

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/system"
)

// SSHKeySpec is the desired state of an SSH keypair.
type SSHKeySpec struct {
	// Path is the private key path. Defaults to the resource name.
	// The public key is written next to it with a .pub suffix.
	Path string `mapstructure:"path"`

	// KeyType is ed25519 or rsa.
	KeyType string `mapstructure:"key_type" validate:"omitempty,oneof=ed25519 rsa"`

	// Bits is the RSA key size.
	Bits int `mapstructure:"bits" validate:"omitempty,oneof=2048 3072 4096"`

	// Comment is appended to the public key.
	Comment string `mapstructure:"comment"`

	// Owner is the owning user of both key files.
	Owner string `mapstructure:"owner"`

	// Group is the owning group of both key files.
	Group string `mapstructure:"group"`

	// AuthorizedKeys is an authorized_keys file that must contain the public key.
	AuthorizedKeys string `mapstructure:"authorized_keys"`
}

func generateKey(keyType string, bits int) (crypto.PrivateKey, crypto.PublicKey, error) {
	switch keyType {
	case "", "ed25519":
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, pub, err
	case "rsa":
		if bits == 0 {
			bits = 4096
		}
		priv, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, nil, err
		}
		return priv, &priv.PublicKey, nil
	default:
		return nil, nil, fmt.Errorf("unsupported key type %q", keyType)
	}
}

// authorizedLine renders a public key in authorized_keys format.
func authorizedLine(pub ssh.PublicKey, comment string) []byte {
	line := bytes.TrimSpace(ssh.MarshalAuthorizedKey(pub))
	if comment != "" {
		line = append(line, ' ')
		line = append(line, comment...)
	}
	return append(line, '\n')
}

// loadPublicKey derives the public key from an existing private key file.
func loadPublicKey(path string) (ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return signer.PublicKey(), nil
}

// authorized reports whether an authorized_keys file contains the key.
func authorized(path string, pub ssh.PublicKey) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	want := pub.Marshal()
	for len(data) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			break
		}
		if bytes.Equal(key.Marshal(), want) {
			return true, nil
		}
		data = rest
	}
	return false, nil
}

func sshKeyTable(deps Deps) *engine.ActionTable {
	load := func(r *engine.Resource) (*SSHKeySpec, string, error) {
		spec, err := specOf[SSHKeySpec](r)
		if err != nil {
			return nil, "", err
		}
		return spec, orName(spec.Path, r), nil
	}

	return &engine.ActionTable{
		Type:          "ssh_key",
		DefaultAction: "create",
		Decode:        decoder[SSHKeySpec](),
		Actions: map[engine.Action]engine.ActionHandler{
			"create": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					spec, path, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					owner := system.Ownership{Owner: spec.Owner, Group: spec.Group}
					privAttrs := fileAttrs{mode: "0600", owner: owner}
					pubAttrs := fileAttrs{mode: "0644", owner: owner}

					didChange := false
					var pub ssh.PublicKey

					if ok, err := present(path); err != nil {
						return engine.OutcomeFailed, err
					} else if ok {
						if pub, err = loadPublicKey(path); err != nil {
							return engine.OutcomeFailed, err
						}
					} else {
						priv, rawPub, err := generateKey(spec.KeyType, spec.Bits)
						if err != nil {
							return engine.OutcomeFailed, fmt.Errorf("failed to generate keypair: %w", err)
						}
						block, err := ssh.MarshalPrivateKey(priv, spec.Comment)
						if err != nil {
							return engine.OutcomeFailed, fmt.Errorf("failed to marshal private key: %w", err)
						}
						if _, err := ensureContent(path, pem.EncodeToMemory(block), privAttrs); err != nil {
							return engine.OutcomeFailed, err
						}
						if pub, err = ssh.NewPublicKey(rawPub); err != nil {
							return engine.OutcomeFailed, fmt.Errorf("failed to create SSH public key: %w", err)
						}
						deps.Logger.Info().
							Str("private_key", path).
							Str("key_type", pub.Type()).
							Msg("Generated new SSH keypair")
						didChange = true
					}

					st, err := system.Stat(path)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					updated, err := ensureMetadata(path, st, privAttrs)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					didChange = didChange || updated

					// The public key file is regenerated only when its key differs.
					pubPath := path + ".pub"
					if ok, err := authorized(pubPath, pub); err != nil {
						return engine.OutcomeFailed, err
					} else if !ok {
						if _, err := ensureContent(pubPath, authorizedLine(pub, spec.Comment), pubAttrs); err != nil {
							return engine.OutcomeFailed, err
						}
						didChange = true
					} else {
						st, err := system.Stat(pubPath)
						if err != nil {
							return engine.OutcomeFailed, err
						}
						updated, err := ensureMetadata(pubPath, st, pubAttrs)
						if err != nil {
							return engine.OutcomeFailed, err
						}
						didChange = didChange || updated
					}

					if spec.AuthorizedKeys != "" {
						ok, err := authorized(spec.AuthorizedKeys, pub)
						if err != nil {
							return engine.OutcomeFailed, err
						}
						if !ok {
							existing, err := os.ReadFile(spec.AuthorizedKeys)
							if err != nil && !os.IsNotExist(err) {
								return engine.OutcomeFailed, fmt.Errorf("failed to read %s: %w", spec.AuthorizedKeys, err)
							}
							if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
								existing = append(existing, '\n')
							}
							content := append(existing, authorizedLine(pub, spec.Comment)...)
							if _, err := ensureContent(spec.AuthorizedKeys, content, fileAttrs{mode: "0600", owner: owner}); err != nil {
								return engine.OutcomeFailed, err
							}
							didChange = true
						}
					}
					return changed(didChange), nil
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					spec, path, err := load(r)
					if err != nil {
						return false, err
					}
					if ok, err := present(path); err != nil || !ok {
						return false, err
					}
					pub, err := loadPublicKey(path)
					if err != nil {
						return false, err
					}
					if ok, err := authorized(path+".pub", pub); err != nil || !ok {
						return false, err
					}
					if spec.AuthorizedKeys != "" {
						return authorized(spec.AuthorizedKeys, pub)
					}
					return true, nil
				},
			},
		},
	}
}
