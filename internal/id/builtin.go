package id

// Builtin properties and attributes occupy the low numeric ID range that
// Random() can never produce. They exist in every directory without being
// declared by any document and carry labels under the reserved "cordon"
// namespace.

func builtinProp(n byte) ObjID {
	var o ObjID
	o[15] = n
	return o
}

func builtinAttr(n byte) ObjID {
	var o ObjID
	o[14] = 0x01
	o[15] = n
	return o
}

var (
	// PropEntity is the namespace:property used to reference an entity's own
	// identity in policy expressions (cordon:entity).
	PropEntity = builtinProp(0)
	// PropRole holds the builtin access roles (cordon:role).
	PropRole = builtinProp(1)
	// PropUsername is the username ident property. Encrypted at rest.
	PropUsername = builtinProp(2)
	// PropEmail is the email ident property. Encrypted at rest.
	PropEmail = builtinProp(3)
	// PropPasswordHash stores argon2 password hashes as text attributes.
	PropPasswordHash = builtinProp(4)
	// PropMembership is the relation property for group membership edges.
	PropMembership = builtinProp(5)
	// PropHosts stores a service entity's hostnames as a text attribute.
	PropHosts = builtinProp(6)
	// PropK8sAccount stores "{namespace}/{account}" as a plaintext text
	// attribute for services linked to a kubernetes service account.
	PropK8sAccount = builtinProp(7)
)

var (
	// AttrRoleGetAccessToken lets a service obtain access tokens.
	AttrRoleGetAccessToken = builtinAttr(0)
	// AttrRoleAuthenticate lets a service authenticate users.
	AttrRoleAuthenticate = builtinAttr(1)
	// AttrRoleApplyDocument lets an entity apply configuration documents.
	AttrRoleApplyDocument = builtinAttr(2)
)

// BuiltinNamespace is the label of the reserved namespace seeded into every
// document compilation.
const BuiltinNamespace = "cordon"

// BuiltinPropLabels maps property labels in the builtin namespace to IDs.
// Only properties that are addressable from documents have labels.
var BuiltinPropLabels = map[string]ObjID{
	"entity": PropEntity,
	"role":   PropRole,
}

// BuiltinAttrLabels maps attribute labels under cordon:role to IDs.
var BuiltinAttrLabels = map[string]ObjID{
	"get_access_token": AttrRoleGetAccessToken,
	"authenticate":     AttrRoleAuthenticate,
	"apply_document":   AttrRoleApplyDocument,
}

// EncryptedProps lists the builtin properties whose values are envelope
// encrypted at rest. Each gets its own DEK.
var EncryptedProps = []ObjID{PropUsername, PropEmail}
