// Package keynet is a client for the key-management network gateway that
// mints wallet accounts, issues session signatures and holds wrapped keys.
package keynet

import "time"

// AuthMethodOTP is the auth method type the network assigns to identity-provider sessions
const AuthMethodOTP = 9

// PKPSigning is the ability that lets a session sign with the account key
const PKPSigning = "pkp-signing"

// AuthMethod is the credential derived from a verified identity session
type AuthMethod struct {
	Type        int    `json:"authMethodType"`
	AccessToken string `json:"accessToken"`
}

// Account is a wallet account on the network
type Account struct {
	TokenID    string `json:"tokenId"`
	PublicKey  string `json:"publicKey"`
	EthAddress string `json:"ethAddress"`
}

type Ability struct {
	Resource string `json:"resource"`
	Ability  string `json:"ability"`
}

// SessionRequest asks for session signatures for Account, scoped to Abilities until Expiration
type SessionRequest struct {
	AuthMethod AuthMethod `json:"authMethod"`
	Account    Account    `json:"account"`
	Chain      string     `json:"chain"`
	Expiration time.Time  `json:"expiration"`
	Abilities  []Ability  `json:"resourceAbilityRequests"`
}

type SessionSig struct {
	Sig           string `json:"sig"`
	DerivedVia    string `json:"derivedVia"`
	SignedMessage string `json:"signedMessage"`
	Address       string `json:"address"`
	Algo          string `json:"algo,omitempty"`
}

// SessionSigs maps node URL to that node's signature
type SessionSigs map[string]SessionSig

type WrappedKey struct {
	ID                 string `json:"id"`
	GeneratedPublicKey string `json:"generatedPublicKey"`
	PKPAddress         string `json:"pkpAddress"`
}

type StoredKeyMetadata struct {
	ID         string `json:"id"`
	PublicKey  string `json:"publicKey"`
	KeyType    string `json:"keyType"`
	Memo       string `json:"memo"`
	PKPAddress string `json:"pkpAddress"`
}

type ExportedKey struct {
	ID                  string `json:"id"`
	PublicKey           string `json:"publicKey"`
	DecryptedPrivateKey string `json:"decryptedPrivateKey"`
	KeyType             string `json:"keyType"`
	PKPAddress          string `json:"pkpAddress"`
}
