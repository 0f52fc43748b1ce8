package fieldsync

// ShouldBroadcast is the only check that keeps a remote edit from being sent again.
// A remote payload applied to the store comes back through the local edit path
// like any other mutation. It is remembered and scheduled, but its user is not
// the local user so it stops here.
func ShouldBroadcast(payload *Payload, localUserId string) bool {
	return payload.UserId == localUserId
}
