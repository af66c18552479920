// Package conversation maps conversation ids to their type and participants.
package conversation
