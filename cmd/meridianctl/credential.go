package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/meridian/pkg/identity"
	"github.com/spf13/cobra"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Issue signed attribute credentials",
}

var credentialIssueCmd = &cobra.Command{
	Use:   "issue SUBJECT_ID",
	Short: "Issue a credential for SUBJECT_ID (hex identity identifier), signed by --identity-file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		identityFile, _ := cmd.Flags().GetString("identity-file")
		validity, _ := cmd.Flags().GetDuration("validity")
		attrs, _ := cmd.Flags().GetStringToString("attr")

		subject, err := identity.ParseIdentifier(args[0])
		if err != nil {
			return fmt.Errorf("meridianctl: %w", err)
		}

		authority, err := loadOrCreateIdentity(identityFile)
		if err != nil {
			return err
		}

		issuer := identity.NewCredentialIssuer(authority, validity)
		cred, err := issuer.Issue(subject, attrs)
		if err != nil {
			return fmt.Errorf("meridianctl: issue credential: %w", err)
		}

		page(credentialJSON(cred) + "\n")
		return nil
	},
}

// credentialJSON renders a credential for CLI output. Credential's
// Subject/Issuer are raw [32]byte arrays, which json.Marshal would
// otherwise print as arrays of numbers, so this builds the wire shape
// by hand rather than marshaling the struct directly.
func credentialJSON(c *identity.Credential) string {
	doc := struct {
		Subject    string            `json:"subject"`
		Issuer     string            `json:"issuer"`
		Attributes map[string]string `json:"attributes"`
		IssuedAt   time.Time         `json:"issued_at"`
		ExpiresAt  time.Time         `json:"expires_at"`
		Signature  string            `json:"signature"`
	}{
		Subject:    c.Subject.String(),
		Issuer:     c.Issuer.String(),
		Attributes: c.Attributes,
		IssuedAt:   c.IssuedAt,
		ExpiresAt:  c.ExpiresAt,
		Signature:  hex.EncodeToString(c.Signature),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Sprintf("meridianctl: marshal credential: %v", err)
	}
	return string(data)
}

func init() {
	credentialCmd.AddCommand(credentialIssueCmd)

	credentialIssueCmd.Flags().String("identity-file", "./meridian-identity.key", "Path to the issuing authority's persisted identity")
	credentialIssueCmd.Flags().Duration("validity", identity.DefaultCredentialValidity, "How long the issued credential remains valid")
	credentialIssueCmd.Flags().StringToString("attr", nil, "Attribute to embed, repeatable: --attr role=admin --attr team=infra")
}
