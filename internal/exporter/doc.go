// Package exporter renders validation audit history and transfer records
// into downloadable CSV and Excel files. Stores request compliance
// exports during audits; the formats match what their back-office tools
// expect.
package exporter
