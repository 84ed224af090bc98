package model

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// TransactionType is the kind of domain transaction a batch carries. A batch carries exactly one.
type TransactionType string

const (
	TransactionTypeKYCSubmission TransactionType = "KYC_SUBMISSION"
	TransactionTypeSubscription  TransactionType = "SUBSCRIPTION"
	TransactionTypeRedemption    TransactionType = "REDEMPTION"
	TransactionTypeBuyOrder      TransactionType = "BUY_ORDER"
	TransactionTypeSellOrder     TransactionType = "SELL_ORDER"
	TransactionTypeTransfer      TransactionType = "TRANSFER"
)

var transactionTypePrefixes = map[TransactionType]string{
	TransactionTypeKYCSubmission: "KYC",
	TransactionTypeSubscription:  "SUB",
	TransactionTypeRedemption:    "RED",
	TransactionTypeBuyOrder:      "BUY",
	TransactionTypeSellOrder:     "SELL",
	TransactionTypeTransfer:      "TRF",
}

// FilePrefix is the short code used at the start of batch file names.
func (t TransactionType) FilePrefix() string {
	if p, ok := transactionTypePrefixes[t]; ok {
		return p
	}
	return "TXN"
}

func (t TransactionType) Valid() bool {
	_, ok := transactionTypePrefixes[t]
	return ok
}

type FileFormat string

const (
	FileFormatCSV        FileFormat = "CSV"
	FileFormatJSON       FileFormat = "JSON"
	FileFormatXML        FileFormat = "XML"
	FileFormatExcel      FileFormat = "EXCEL"
	FileFormatFixedWidth FileFormat = "FIXED_WIDTH"
)

// Extension returns the file extension for the format.
func (f FileFormat) Extension() string {
	switch f {
	case FileFormatJSON:
		return "json"
	case FileFormatXML:
		return "xml"
	case FileFormatExcel:
		return "xlsx"
	case FileFormatFixedWidth:
		return "txt"
	default:
		return "csv"
	}
}

// ContentType returns the MIME type used when a file is uploaded or attached.
func (f FileFormat) ContentType() string {
	switch f {
	case FileFormatJSON:
		return "application/json"
	case FileFormatXML:
		return "application/xml"
	case FileFormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FileFormatFixedWidth:
		return "text/plain"
	default:
		return "text/csv"
	}
}

type DeliveryMethod string

const (
	DeliveryMethodSFTP         DeliveryMethod = "SFTP"
	DeliveryMethodAPI          DeliveryMethod = "API"
	DeliveryMethodEmail        DeliveryMethod = "EMAIL"
	DeliveryMethodCloudStorage DeliveryMethod = "CLOUD_STORAGE"
)

type SFTPTarget struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Path     string `json:"path"`
	Username string `json:"username"`
}

type APITarget struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type EmailTarget struct {
	Address string `json:"address"`
	Subject string `json:"subject,omitempty"`
}

type CloudStorageTarget struct {
	Bucket    string `json:"bucket"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	Region    string `json:"region,omitempty"`
}

// DeliveryTarget is a tagged variant: Method selects the only arm that may be populated.
type DeliveryTarget struct {
	Method       DeliveryMethod      `json:"method"`
	SFTP         *SFTPTarget         `json:"sftp,omitempty"`
	API          *APITarget          `json:"api,omitempty"`
	Email        *EmailTarget        `json:"email,omitempty"`
	CloudStorage *CloudStorageTarget `json:"cloud_storage,omitempty"`
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func validURL(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("must be an absolute URL")
	}
	return nil
}

// Validate checks that the populated arm matches Method and carries the fields its transport needs.
func (t *DeliveryTarget) Validate() error {
	populated := 0
	for _, set := range []bool{t.SFTP != nil, t.API != nil, t.Email != nil, t.CloudStorage != nil} {
		if set {
			populated++
		}
	}
	if populated != 1 {
		return fmt.Errorf("delivery target must populate exactly one method, got %d", populated)
	}

	switch t.Method {
	case DeliveryMethodSFTP:
		if t.SFTP == nil {
			return errors.New("delivery target method SFTP requires sftp settings")
		}
		return validation.ValidateStruct(t.SFTP,
			validation.Field(&t.SFTP.Host, validation.Required),
			validation.Field(&t.SFTP.Path, validation.Required),
			validation.Field(&t.SFTP.Username, validation.Required),
			validation.Field(&t.SFTP.Port, validation.Min(0), validation.Max(65535)),
		)
	case DeliveryMethodAPI:
		if t.API == nil {
			return errors.New("delivery target method API requires api settings")
		}
		return validation.ValidateStruct(t.API,
			validation.Field(&t.API.Endpoint, validation.Required, validation.By(validURL)),
			validation.Field(&t.API.Method, validation.In("", "POST", "PUT")),
		)
	case DeliveryMethodEmail:
		if t.Email == nil {
			return errors.New("delivery target method EMAIL requires email settings")
		}
		return validation.ValidateStruct(t.Email,
			validation.Field(&t.Email.Address, validation.Required, validation.Match(emailPattern)),
		)
	case DeliveryMethodCloudStorage:
		if t.CloudStorage == nil {
			return errors.New("delivery target method CLOUD_STORAGE requires cloud_storage settings")
		}
		return validation.ValidateStruct(t.CloudStorage,
			validation.Field(&t.CloudStorage.Bucket, validation.Required),
		)
	default:
		return fmt.Errorf("unsupported delivery method %q", t.Method)
	}
}

// Describe renders the destination for audit details and logs.
func (t *DeliveryTarget) Describe() string {
	switch {
	case t.SFTP != nil:
		return fmt.Sprintf("sftp://%s@%s%s", t.SFTP.Username, t.SFTP.Host, t.SFTP.Path)
	case t.API != nil:
		return t.API.Endpoint
	case t.Email != nil:
		return "mailto:" + t.Email.Address
	case t.CloudStorage != nil:
		return fmt.Sprintf("s3://%s/%s", t.CloudStorage.Bucket, strings.TrimPrefix(t.CloudStorage.KeyPrefix, "/"))
	}
	return string(t.Method)
}

// FieldSpec is one column of a partner file layout. Order in IntegrationConfig.Fields is the column order.
type FieldSpec struct {
	Name     string `json:"name"`
	Header   string `json:"header,omitempty"`
	Width    int    `json:"width,omitempty"`
	Align    string `json:"align,omitempty"` // left or right, fixed-width only
	Required bool   `json:"required,omitempty"`
}

// IntegrationConfig is a partner registry entry. It is owned by the partner screens and read-only here.
type IntegrationConfig struct {
	PartnerID             string            `json:"partner_id"`
	PartnerName           string            `json:"partner_name"`
	PartnerCode           string            `json:"partner_code"`
	PartnerType           string            `json:"partner_type"`
	SupportedTransactions []TransactionType `json:"supported_transactions"`
	FileFormat            FileFormat        `json:"file_format"`
	DeliveryMethod        DeliveryMethod    `json:"delivery_method"`
	DeliveryTarget        DeliveryTarget    `json:"delivery_target"`
	Fields                []FieldSpec       `json:"fields"`
	BatchSize             int               `json:"batch_size"`
	IncludeHeader         bool              `json:"include_header"`
	FieldDelimiter        string            `json:"field_delimiter"`
	AckEndpoint           string            `json:"ack_endpoint,omitempty"`
	AckSLAHours           int               `json:"ack_sla_hours"`
	IsActive              bool              `json:"is_active"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Supports reports whether the partner accepts the given transaction type.
func (c *IntegrationConfig) Supports(txnType TransactionType) bool {
	for _, t := range c.SupportedTransactions {
		if t == txnType {
			return true
		}
	}
	return false
}

// Code is the partner code used in file names, falling back to the first word of the partner name.
func (c *IntegrationConfig) Code() string {
	if c.PartnerCode != "" {
		return c.PartnerCode
	}
	if fields := strings.Fields(c.PartnerName); len(fields) > 0 {
		return strings.ToUpper(fields[0])
	}
	return "PARTNER"
}
