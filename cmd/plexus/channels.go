package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/plexushub/plexus"
	"github.com/plexushub/plexus/connector/httpdest"
	"github.com/plexushub/plexus/connector/tcpmllp"
	"github.com/plexushub/plexus/connector/vm"
	"github.com/plexushub/plexus/datatype/delimited"
	"github.com/plexushub/plexus/datatype/hl7v2"
	"github.com/plexushub/plexus/datatype/rawxml"
	"github.com/plexushub/plexus/internal/config"
	"github.com/plexushub/plexus/script/exprlang"
)

// buildChannel assembles one channel from its configuration.
func buildChannel(cfg config.ChannelConfig, db config.DatabaseConfig, store plexus.Store,
	exec *exprlang.Executor, serverID string, sink plexus.EventSink, logger *slog.Logger) (*plexus.Channel, error) {

	if cfg.ID == "" {
		return nil, fmt.Errorf("channel without id")
	}
	if len(cfg.Destination) == 0 {
		return nil, fmt.Errorf("channel %s: no destinations", cfg.ID)
	}

	source, err := buildSource(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", cfg.ID, err)
	}

	opts := []plexus.ChannelOption{
		plexus.WithSource(source),
		plexus.WithStorageSettings(storageSettings(cfg.StorageMode)),
		plexus.WithDeadlockRetries(db.DeadlockRetries),
		plexus.WithChannelLogger(logger.With("channel", cfg.ID)),
	}
	if sink != nil {
		opts = append(opts, plexus.WithChannelEventSink(sink))
	}
	if cfg.Preprocessor != "" || cfg.Postprocessor != "" {
		opts = append(opts, plexus.WithScripts(plexus.ScriptSet{
			Preprocessor:  cfg.Preprocessor,
			Postprocessor: cfg.Postprocessor,
		}))
	}
	if cfg.EncryptionKey != "" {
		enc, err := plexus.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("channel %s: encryption: %w", cfg.ID, err)
		}
		opts = append(opts, plexus.WithEncryptor(enc))
	}
	if ac := cfg.Attachment; ac != nil {
		handler, err := plexus.NewRegexAttachmentHandler(ac.Pattern, ac.MimeType)
		if err != nil {
			return nil, fmt.Errorf("channel %s: attachment pattern: %w", cfg.ID, err)
		}
		opts = append(opts, plexus.WithAttachmentHandler(handler))
	}

	// Each configured destination runs as its own chain, so destinations
	// fan out concurrently.
	for i, dc := range cfg.Destination {
		dest, err := buildDestination(dc, i+1, logger)
		if err != nil {
			return nil, fmt.Errorf("channel %s: destination %s: %w", cfg.ID, dc.Name, err)
		}
		opts = append(opts, plexus.WithDestinationChain(dest))
	}

	return plexus.NewChannel(cfg.ID, cfg.Name, serverID, store, exec, opts...), nil
}

func buildSource(cfg config.ChannelConfig, logger *slog.Logger) (*plexus.Source, error) {
	var adapter plexus.SourceAdapter
	switch strings.ToLower(cfg.Source.Type) {
	case "mllp":
		lopts := []tcpmllp.ListenerOption{
			tcpmllp.WithListenerLogger(logger.With("channel", cfg.ID)),
		}
		if cs := cfg.Source.Charset; cs != "" {
			lopts = append(lopts, tcpmllp.WithFrameDecoder(func(b []byte) (string, error) {
				return hl7v2.DecodeCharset(b, cs)
			}))
		}
		adapter = tcpmllp.NewListener(cfg.Source.Address, lopts...)
	case "vm":
		adapter = vm.NewReader(nil, cfg.ID)
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}

	dt, err := dataType(cfg.Source.DataType)
	if err != nil {
		return nil, err
	}
	opts := []plexus.SourceOption{
		plexus.WithSourceDataTypes(dt, dt),
		plexus.WithRespondAfterProcessing(cfg.Source.RespondAfterProcessing),
		plexus.WithSourceLogger(logger.With("channel", cfg.ID)),
	}
	if cfg.Source.QueueCapacity > 0 {
		opts = append(opts, plexus.WithSourceQueueCapacity(cfg.Source.QueueCapacity))
	}
	if ft := filterTransformer(cfg.Source.FilterRules, cfg.Source.TransformerSteps); ft != nil {
		opts = append(opts, plexus.WithSourceFilterTransformer(ft))
	}
	return plexus.NewSource("Source", adapter, opts...), nil
}

func buildDestination(dc config.DestinationConfig, metaDataID int, logger *slog.Logger) (*plexus.Destination, error) {
	timeout := time.Duration(dc.TimeoutSec) * time.Second

	var adapter plexus.DestinationAdapter
	switch strings.ToLower(dc.Type) {
	case "http":
		httpOpts := []httpdest.Option{httpdest.WithLogger(logger.With("destination", dc.Name))}
		if dc.Method != "" {
			httpOpts = append(httpOpts, httpdest.WithMethod(dc.Method))
		}
		if dc.ContentType != "" {
			httpOpts = append(httpOpts, httpdest.WithContentType(dc.ContentType))
		}
		if dc.Username != "" {
			httpOpts = append(httpOpts, httpdest.WithBasicAuth(dc.Username, dc.Password))
		}
		if dc.SOAPAction != "" {
			httpOpts = append(httpOpts, httpdest.WithSOAP(dc.SOAPAction))
		}
		if timeout > 0 {
			httpOpts = append(httpOpts, httpdest.WithTimeout(timeout))
		}
		adapter = httpdest.New(dc.URL, httpOpts...)
	case "mllp":
		mllpOpts := []tcpmllp.SenderOption{tcpmllp.WithSenderLogger(logger.With("destination", dc.Name))}
		if timeout > 0 {
			mllpOpts = append(mllpOpts, tcpmllp.WithSendTimeout(timeout))
		}
		adapter = tcpmllp.NewSender(dc.Address, mllpOpts...)
	case "vm":
		adapter = vm.NewWriter(nil, dc.Target)
	default:
		return nil, fmt.Errorf("unknown destination type %q", dc.Type)
	}

	dt, err := dataType(dc.DataType)
	if err != nil {
		return nil, err
	}
	opts := []plexus.DestinationOption{
		plexus.WithDestinationDataTypes(dt, dt),
		plexus.WithDestinationLogger(logger.With("destination", dc.Name)),
	}
	if ft := filterTransformer(dc.FilterRules, dc.TransformerSteps); ft != nil {
		opts = append(opts, plexus.WithDestinationFilterTransformer(ft))
	}
	if tr := transformer(dc.ResponseTransformer); tr != nil {
		opts = append(opts, plexus.WithResponseTransformer(tr))
	}
	if dc.QueueEnabled {
		opts = append(opts, plexus.WithQueue(dc.QueueThreads))
		if dc.SendFirst {
			opts = append(opts, plexus.WithSendFirst())
		}
	}
	if dc.RetryCount > 0 {
		opts = append(opts, plexus.WithRetryPolicy(dc.RetryCount,
			time.Duration(dc.RetryIntervalMS)*time.Millisecond))
	}
	return plexus.NewDestination(metaDataID, dc.Name, adapter, opts...), nil
}

func dataType(name string) (plexus.DataType, error) {
	switch strings.ToUpper(name) {
	case "", "RAW":
		return plexus.RawDataType(), nil
	case "HL7V2":
		return hl7v2.New(), nil
	case "DELIMITED":
		return delimited.New(), nil
	case "XML":
		return rawxml.New(), nil
	default:
		return nil, fmt.Errorf("unknown data type %q", name)
	}
}

func filterTransformer(rules, steps []config.ScriptConfig) *plexus.FilterTransformer {
	var ft plexus.FilterTransformer
	if len(rules) > 0 {
		f := &plexus.Filter{}
		for _, r := range rules {
			f.Rules = append(f.Rules, plexus.Rule{
				Name:     r.Name,
				Operator: plexus.Op(strings.ToUpper(r.Operator)),
				Script:   r.Script,
			})
		}
		ft.Filter = f
	}
	ft.Transformer = transformer(steps)
	if ft.Empty() {
		return nil
	}
	return &ft
}

func transformer(steps []config.ScriptConfig) *plexus.Transformer {
	if len(steps) == 0 {
		return nil
	}
	t := &plexus.Transformer{}
	for _, s := range steps {
		t.Steps = append(t.Steps, plexus.Step{Name: s.Name, Script: s.Script})
	}
	return t
}

func storageSettings(mode string) plexus.StorageSettings {
	return plexus.SettingsForMode(plexus.StorageMode(strings.ToUpper(mode)))
}
