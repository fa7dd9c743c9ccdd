package config

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// Credentials son las credenciales de auto-autenticación.
type Credentials struct {
	Username string
	Password string
	Host     string
}

// String nunca imprime el password.
func (c Credentials) String() string {
	return "Credentials{Username:" + Mask(c.Username) + ", Host:" + c.Host + "}"
}

func (c Credentials) GoString() string { return c.String() }

// MarshalLogObject permite zap.Object("credentials", c) sin filtrar secretos.
func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("username", Mask(c.Username))
	enc.AddString("host", c.Host)
	return nil
}

// Vault guarda las credenciales leídas al arrancar y las redacta de cualquier texto.
type Vault struct {
	creds   Credentials
	present bool
}

func NewVault(username, password, host string) *Vault {
	username = strings.TrimSpace(username)
	return &Vault{
		creds:   Credentials{Username: username, Password: password, Host: strings.TrimSpace(host)},
		present: username != "" && password != "",
	}
}

// AutoCredentials devuelve las credenciales si ambas están configuradas.
func (v *Vault) AutoCredentials() (Credentials, bool) {
	if v == nil || !v.present {
		return Credentials{}, false
	}
	return v.creds, true
}

// Host devuelve el host configurado aunque no haya credenciales.
func (v *Vault) Host() string {
	if v == nil {
		return ""
	}
	return v.creds.Host
}

// Redact reemplaza usuario y password configurados por su versión enmascarada.
func (v *Vault) Redact(s string) string {
	if v == nil {
		return s
	}
	return RedactValues(s, v.creds.Password, v.creds.Username)
}

// RedactValues enmascara cada secreto no vacío que aparezca en s.
// Los secretos más largos se reemplazan primero.
func RedactValues(s string, secrets ...string) string {
	ordered := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		if secret != "" {
			ordered = append(ordered, secret)
		}
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && len(ordered[j]) > len(ordered[j-1]); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	for _, secret := range ordered {
		s = strings.ReplaceAll(s, secret, Mask(secret))
	}
	return s
}

// Mask deja visibles dos caracteres en cada extremo: "us****rd".
func Mask(value string) string {
	const visible = 2
	if value == "" {
		return "<empty>"
	}
	runes := []rune(value)
	if len(runes) <= visible*2 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:visible]) + strings.Repeat("*", len(runes)-visible*2) + string(runes[len(runes)-visible:])
}
