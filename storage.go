package plexus

// StorageMode selects a preset of StorageSettings flags.
type StorageMode string

const (
	// StorageDevelopment persists every stage, maps, and attachments.
	StorageDevelopment StorageMode = "DEVELOPMENT"
	// StorageProduction skips the intermediate stages (processed raw,
	// transformed, response transformed, processed response) but keeps
	// everything needed for reprocessing and recovery.
	StorageProduction StorageMode = "PRODUCTION"
	// StorageRaw persists only the raw content.
	StorageRaw StorageMode = "RAW"
	// StorageMetadata persists no content at all, only the message and
	// connector-message rows.
	StorageMetadata StorageMode = "METADATA"
	// StorageDisabled persists no content and disables recovery.
	StorageDisabled StorageMode = "DISABLED"
)

// StorageSettings gates what persists at each pipeline stage. Message and
// connector-message rows always persist regardless of these flags so the
// recovery task can see message boundaries; only content inserts are gated.
type StorageSettings struct {
	Enabled bool

	StoreRaw                 bool
	StoreProcessedRaw        bool
	StoreTransformed         bool
	StoreSourceEncoded       bool
	StoreDestinationEncoded  bool
	StoreSent                bool
	StoreResponse            bool
	StoreResponseTransformed bool
	StoreProcessedResponse   bool
	StoreMaps                bool
	StoreResponseMap         bool
	StoreCustomMetaData      bool
	StoreAttachments         bool

	MessageRecoveryEnabled bool
	Durable                bool
	RawDurable             bool

	RemoveContentOnCompletion      bool
	RemoveOnlyFilteredOnCompletion bool
	RemoveAttachmentsOnCompletion  bool
}

// SettingsForMode computes the preset flag set for a named storage mode.
func SettingsForMode(mode StorageMode) StorageSettings {
	switch mode {
	case StorageProduction:
		return StorageSettings{
			Enabled:                 true,
			StoreRaw:                true,
			StoreSourceEncoded:      true,
			StoreDestinationEncoded: true,
			StoreSent:               true,
			StoreResponse:           true,
			StoreMaps:               true,
			StoreResponseMap:        true,
			StoreCustomMetaData:     true,
			StoreAttachments:        true,
			MessageRecoveryEnabled:  true,
			Durable:                 true,
			RawDurable:              true,
		}
	case StorageRaw:
		return StorageSettings{
			Enabled:    true,
			StoreRaw:   true,
			RawDurable: true,
		}
	case StorageMetadata:
		return StorageSettings{
			Enabled:                true,
			MessageRecoveryEnabled: true,
		}
	case StorageDisabled:
		return StorageSettings{}
	default: // DEVELOPMENT
		return StorageSettings{
			Enabled:                  true,
			StoreRaw:                 true,
			StoreProcessedRaw:        true,
			StoreTransformed:         true,
			StoreSourceEncoded:       true,
			StoreDestinationEncoded:  true,
			StoreSent:                true,
			StoreResponse:            true,
			StoreResponseTransformed: true,
			StoreProcessedResponse:   true,
			StoreMaps:                true,
			StoreResponseMap:         true,
			StoreCustomMetaData:      true,
			StoreAttachments:         true,
			MessageRecoveryEnabled:   true,
			Durable:                  true,
			RawDurable:               true,
		}
	}
}

// StoresContent reports whether content of type t may be persisted under
// these settings. The map content types follow StoreMaps (responseMap has its
// own flag); error contents always persist so failures stay observable.
func (s StorageSettings) StoresContent(t ContentType) bool {
	if !s.Enabled {
		return false
	}
	switch t {
	case ContentRaw:
		return s.StoreRaw
	case ContentProcessedRaw:
		return s.StoreProcessedRaw
	case ContentTransformed:
		return s.StoreTransformed
	case ContentEncoded:
		// Callers distinguish source vs destination encoded via
		// StoresEncoded; default to the stricter flag here.
		return s.StoreSourceEncoded || s.StoreDestinationEncoded
	case ContentSent:
		return s.StoreSent
	case ContentResponse:
		return s.StoreResponse
	case ContentResponseTransformed:
		return s.StoreResponseTransformed
	case ContentProcessedResponse:
		return s.StoreProcessedResponse
	case ContentSourceMap, ContentChannelMap, ContentConnectorMap:
		return s.StoreMaps
	case ContentResponseMap:
		return s.StoreResponseMap
	case ContentProcessingError, ContentPostprocessorError, ContentResponseError:
		return true
	}
	return false
}

// StoresEncoded reports whether ENCODED content may persist for the given
// connector (the source and destinations are gated independently).
func (s StorageSettings) StoresEncoded(metaDataID int) bool {
	if !s.Enabled {
		return false
	}
	if metaDataID == 0 {
		return s.StoreSourceEncoded
	}
	return s.StoreDestinationEncoded
}
