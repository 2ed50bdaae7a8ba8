package nodestatus

import "errors"

var (
    // ErrClassNotFound is returned for a class filter the schema does not define.
    ErrClassNotFound = errors.New("nodestatus: class not found")
    // ErrNoMembers is returned when the membership snapshot is empty.
    ErrNoMembers = errors.New("nodestatus: no cluster members")
)
