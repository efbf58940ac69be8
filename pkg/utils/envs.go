package utils

import (
	"os"
)

var NodeName string
var DiscoveryHandlersDirectory string

func init() {
	NodeName = os.Getenv("AGENT_NODE_NAME")
	DiscoveryHandlersDirectory = os.Getenv("DISCOVERY_HANDLERS_DIRECTORY")
	if DiscoveryHandlersDirectory == "" {
		DiscoveryHandlersDirectory = DefaultDiscoveryHandlersDirectory
	}
}
