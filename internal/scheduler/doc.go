// Package scheduler triggers periodic housekeeping: starting scheduled
// campaigns when due, periodic verification sweeps and ledger retention.
//
// It only triggers. Campaigns and sweeps it starts run under their own
// runners; the scheduled function returns as soon as they are launched.
package scheduler
