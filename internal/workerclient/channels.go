// ABOUTME: Per-client action names derived once from the client name.
// ABOUTME: Namespacing keeps independently configured clients from cross-talk.

package workerclient

type channels struct {
	invokeRequest    string
	invokeResponse   string
	subscribeRequest string
	subscribeChanged string
}

func channelsFor(name string) channels {
	return channels{
		invokeRequest:    name + "_invoke_request",
		invokeResponse:   name + "_invoke_response",
		subscribeRequest: name + "_subscribe_request",
		subscribeChanged: name + "_subscribe_changed",
	}
}
