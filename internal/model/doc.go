// Package model holds the value types shared by the ledger, the resolver and
// the runners: contacts, filter specs, jobs and their recipients.
package model
