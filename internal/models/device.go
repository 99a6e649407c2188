package models

import "time"

// Device is an endpoint as known to the alert source.
type Device struct {
	ID            string
	Hostname      string
	MACAddresses  []string
	IPv4Addresses []string
	LastUser      string
	LastSeenAt    time.Time
}

// ConfigurationItem is an Autotask device record.
type ConfigurationItem struct {
	ID               int64
	ReferenceTitle   string
	AuditHostname    string
	AuditMACAddress  string
	AuditLastUser    string
	AuditIPAddress   string
	LastActivityDate time.Time
}
