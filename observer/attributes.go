package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for message flow metrics.
var (
	AttrChannelID  = attribute.Key("plexus.channel.id")
	AttrMetaDataID = attribute.Key("plexus.connector.metadata_id")
)
