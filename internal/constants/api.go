package constants

// AuthPlus API paths.
const (
	APIPathAuthPlusInit    = "/init"
	APIPathAuthPlusToken   = "/token"
	APIPathAuthPlusClients = "/clients"
)
