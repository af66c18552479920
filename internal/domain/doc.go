// Package domain defines core data models, typed errors and interfaces shared
// across pulsecrypt. It contains plain types (wire/state) and contracts
// (interfaces) only.
package domain
