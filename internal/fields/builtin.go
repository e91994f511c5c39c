package fields

// Field IDs of the builtin schema. Stable: artifacts compiled against
// registry v1 reference these values.
const (
	FieldTransactionID   = 1
	FieldCardHash        = 2
	FieldAmount          = 3
	FieldCurrency        = 4
	FieldMerchantID      = 5
	FieldMerchantName    = 6
	FieldMerchantCat     = 7
	FieldMCC             = 8
	FieldCardPresent     = 9
	FieldEntryMode       = 10
	FieldTransactionType = 11
	FieldCountryCode     = 12
	FieldIPAddress       = 13
	FieldDeviceID        = 14
	FieldEmail           = 15
	FieldPhone           = 16
	FieldTimestamp       = 17
	FieldBillingStreet   = 18
	FieldBillingCity     = 19
	FieldBillingCountry  = 20
	FieldShippingStreet  = 21
	FieldShippingCity    = 22
	FieldShippingCountry = 23
	FieldCardNetwork     = 24
	FieldCardBIN         = 25
	FieldCardLogo        = 26
)

// BuiltinVersion is the registry version of the bootstrap schema.
const BuiltinVersion = 1

// Builtin returns the 26-field bootstrap registry. It is the fallback the
// process starts with before any registry artifact has been loaded, and the
// schema version 1 artifacts are compiled against.
func Builtin() *Registry {
	r, err := NewRegistry(BuiltinVersion, []Definition{
		{ID: FieldTransactionID, Key: "transaction_id", DisplayName: "Transaction ID", Type: TypeString},
		{ID: FieldCardHash, Key: "card_hash", DisplayName: "Card Hash", Type: TypeString},
		{ID: FieldAmount, Key: "amount", DisplayName: "Amount", Type: TypeNumber},
		{ID: FieldCurrency, Key: "currency", DisplayName: "Currency", Type: TypeString},
		{ID: FieldMerchantID, Key: "merchant_id", DisplayName: "Merchant ID", Type: TypeString},
		{ID: FieldMerchantName, Key: "merchant_name", DisplayName: "Merchant Name", Type: TypeString, Normalized: true},
		{ID: FieldMerchantCat, Key: "merchant_category", DisplayName: "Merchant Category", Type: TypeString, Normalized: true},
		{ID: FieldMCC, Key: "mcc", DisplayName: "Merchant Category Code", Type: TypeString},
		{ID: FieldCardPresent, Key: "card_present", DisplayName: "Card Present", Type: TypeBoolean},
		{ID: FieldEntryMode, Key: "entry_mode", DisplayName: "Entry Mode", Type: TypeString},
		{ID: FieldTransactionType, Key: "transaction_type", DisplayName: "Transaction Type", Type: TypeString},
		{ID: FieldCountryCode, Key: "country_code", DisplayName: "Country Code", Type: TypeString},
		{ID: FieldIPAddress, Key: "ip_address", DisplayName: "IP Address", Type: TypeString, PII: true},
		{ID: FieldDeviceID, Key: "device_id", DisplayName: "Device ID", Type: TypeString},
		{ID: FieldEmail, Key: "email", DisplayName: "Email", Type: TypeString, PII: true, Normalized: true},
		{ID: FieldPhone, Key: "phone", DisplayName: "Phone", Type: TypeString, PII: true},
		{ID: FieldTimestamp, Key: "timestamp", DisplayName: "Timestamp", Type: TypeString},
		{ID: FieldBillingStreet, Key: "billing_street", DisplayName: "Billing Street", Type: TypeString, PII: true},
		{ID: FieldBillingCity, Key: "billing_city", DisplayName: "Billing City", Type: TypeString},
		{ID: FieldBillingCountry, Key: "billing_country", DisplayName: "Billing Country", Type: TypeString},
		{ID: FieldShippingStreet, Key: "shipping_street", DisplayName: "Shipping Street", Type: TypeString, PII: true},
		{ID: FieldShippingCity, Key: "shipping_city", DisplayName: "Shipping City", Type: TypeString},
		{ID: FieldShippingCountry, Key: "shipping_country", DisplayName: "Shipping Country", Type: TypeString},
		{ID: FieldCardNetwork, Key: "card_network", DisplayName: "Card Network", Type: TypeString, ScopeIndexed: true, Normalized: true},
		{ID: FieldCardBIN, Key: "card_bin", DisplayName: "Card BIN", Type: TypeString, ScopeIndexed: true},
		{ID: FieldCardLogo, Key: "card_logo", DisplayName: "Card Logo", Type: TypeString, Normalized: true},
	})
	if err != nil {
		// The builtin table is static; a failure here is a programming error.
		panic(err)
	}
	return r
}
