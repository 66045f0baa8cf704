// Package document parses declarative TOML configuration documents and
// compiles them into directory change sets.
package document

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/cordon-sec/cordon/internal/id"
)

// Document is the raw clause model of one TOML configuration file. All
// references between clauses are by label; IDs only appear on entities,
// where they are the explicit stable identity.
type Document struct {
	Header DocumentHeader `toml:"cordon-document"`

	Entities        []Entity        `toml:"entity"`
	ServiceEntities []ServiceEntity `toml:"service-entity"`

	Emails         []Email        `toml:"email"`
	PasswordHashes []PasswordHash `toml:"password-hash"`
	Members        []Members      `toml:"members"`

	Domains        []Domain        `toml:"domain"`
	ServiceDomains []ServiceDomain `toml:"service-domain"`

	EntityProperties   []Property `toml:"entity-property"`
	ResourceProperties []Property `toml:"resource-property"`

	EntityAttributeAssignments []AttributeAssignment `toml:"entity-attribute-assignment"`

	Policies       []Policy        `toml:"policy"`
	PolicyBindings []PolicyBinding `toml:"policy-binding"`
}

type DocumentHeader struct {
	// ID is the directory ID as a UUID string.
	ID string `toml:"id"`
	// Parent optionally names the parent directory by its UUID. Parent
	// chains form a tree; a chain closing back on itself is rejected at
	// apply time.
	Parent string `toml:"parent,omitempty"`
}

// Entity declares a persona ("p.<hex>") or group ("g.<hex>").
type Entity struct {
	EID      string   `toml:"eid"`
	Label    string   `toml:"label"`
	Username string   `toml:"username,omitempty"`
	Email    []string `toml:"email,omitempty"`
}

// ServiceEntity declares a service ("s.<hex>"). The service label doubles
// as a namespace label for properties scoped to the service.
type ServiceEntity struct {
	EID               string      `toml:"eid"`
	Label             string      `toml:"label"`
	Attributes        []string    `toml:"attributes,omitempty"`
	Hosts             []string    `toml:"hosts,omitempty"`
	KubernetesAccount *K8sAccount `toml:"kubernetes-account,omitempty"`
}

type K8sAccount struct {
	Namespace string `toml:"namespace,omitempty"`
	Name      string `toml:"name"`
}

type Email struct {
	Entity string `toml:"entity"`
	Value  string `toml:"value"`
}

type PasswordHash struct {
	Entity string `toml:"entity"`
	Hash   string `toml:"hash"`
}

// Members lists the member entities of a group.
type Members struct {
	Entity  string   `toml:"entity"`
	Members []string `toml:"members"`
}

type Domain struct {
	Label string `toml:"label"`
}

// ServiceDomain grants a service visibility into a domain.
type ServiceDomain struct {
	Service string `toml:"service"`
	Domain  string `toml:"domain"`
}

// Property declares an entity- or resource-property (the clause name
// decides which) with its attribute labels.
type Property struct {
	Domain     string   `toml:"domain"`
	Label      string   `toml:"label"`
	Attributes []string `toml:"attributes,omitempty"`
}

type AttributeAssignment struct {
	Entity     string   `toml:"entity"`
	Attributes []string `toml:"attributes"`
}

// Policy declares exactly one of allow or deny with a policy expression.
type Policy struct {
	Label string `toml:"label"`
	Allow string `toml:"allow,omitempty"`
	Deny  string `toml:"deny,omitempty"`
}

type PolicyBinding struct {
	Attributes []string `toml:"attributes"`
	Policies   []string `toml:"policies"`
}

// Parse decodes a TOML document. Unknown fields are rejected so a typo in a
// clause never silently drops configuration.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &doc, nil
}

// DirID extracts the directory ID from a raw document without compiling it.
func DirID(raw []byte) (id.ObjID, error) {
	doc, err := Parse(raw)
	if err != nil {
		return id.Zero, err
	}
	dirUUID, err := uuid.Parse(doc.Header.ID)
	if err != nil {
		return id.Zero, fmt.Errorf("invalid document id: %w", err)
	}
	return id.ObjID(dirUUID), nil
}
