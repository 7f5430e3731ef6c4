// Package campaign implements campaign lifecycle management.
//
// The service layer contains all business logic for creating, pausing,
// resuming, and cancelling bulk WhatsApp campaigns. It depends on
// repository interfaces defined in this package and should never import
// from api/ or worker/.
//
// Repository implementations live in repository/postgres/.
package campaign
