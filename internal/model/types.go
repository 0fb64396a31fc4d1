package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Provider identifies the mailbox provider kind for an account
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderM365  Provider = "m365"
	ProviderIMAP  Provider = "imap"
)

// Valid reports whether p is a known provider kind
func (p Provider) Valid() bool {
	switch p {
	case ProviderGmail, ProviderM365, ProviderIMAP:
		return true
	}
	return false
}

// Category is the closed classification enum for an email
type Category string

const (
	CategoryInvoice   Category = "INVOICE"
	CategoryOrder     Category = "ORDER"
	CategoryShipping  Category = "SHIPPING"
	CategoryClaim     Category = "CLAIM"
	CategoryComplaint Category = "COMPLAINT"
	CategoryKYC       Category = "KYC"
	CategoryGeneral   Category = "GENERAL"
	CategorySpam      Category = "SPAM"
)

// Categories lists all valid email categories
var Categories = []Category{
	CategoryInvoice, CategoryOrder, CategoryShipping, CategoryClaim,
	CategoryComplaint, CategoryKYC, CategoryGeneral, CategorySpam,
}

// DocType is the closed document-type enum for attachments
type DocType string

const (
	DocTypeInvoice  DocType = "INVOICE"
	DocTypePO       DocType = "PO"
	DocTypeContract DocType = "CONTRACT"
	DocTypeID       DocType = "ID"
	DocTypeOther    DocType = "OTHER"
)

// DocTypes lists all valid attachment document types
var DocTypes = []DocType{DocTypeInvoice, DocTypePO, DocTypeContract, DocTypeID, DocTypeOther}

// Priority is the closed priority enum for email summaries
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// SummaryStatus is the workflow status of an email summary
type SummaryStatus string

const (
	StatusOpen       SummaryStatus = "open"
	StatusInProgress SummaryStatus = "in_progress"
	StatusDone       SummaryStatus = "done"
)

// StringList is a []string persisted as a JSON column
type StringList []string

// Value implements driver.Valuer for StringList
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for StringList
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}
