package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AdmissionChanged bool
	NewAdmission     AdmissionConfig

	SubscribersChanged bool
	SubscriberChanges  []WebhookSubscriberDiff
}

// WebhookSubscriberDiff describes what changed for a single webhook
// subscriber between two configs.
type WebhookSubscriberDiff struct {
	Name          string
	URLChanged    bool
	SecretChanged bool
	EventsChanged bool
	Added         bool
	Removed       bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: log level,
// admission budgets, and the webhook subscriber list. Provider, MCP, and
// tool wiring require a process restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Admission != new.Admission {
		d.AdmissionChanged = true
		d.NewAdmission = new.Admission
	}

	oldSubs := make(map[string]*WebhookSubscriber, len(old.Webhook.Subscribers))
	for i := range old.Webhook.Subscribers {
		oldSubs[old.Webhook.Subscribers[i].Name] = &old.Webhook.Subscribers[i]
	}
	newSubs := make(map[string]*WebhookSubscriber, len(new.Webhook.Subscribers))
	for i := range new.Webhook.Subscribers {
		newSubs[new.Webhook.Subscribers[i].Name] = &new.Webhook.Subscribers[i]
	}

	for name, oldSub := range oldSubs {
		newSub, exists := newSubs[name]
		if !exists {
			d.SubscriberChanges = append(d.SubscriberChanges, WebhookSubscriberDiff{Name: name, Removed: true})
			d.SubscribersChanged = true
			continue
		}
		sd := diffSubscriber(name, oldSub, newSub)
		if sd.URLChanged || sd.SecretChanged || sd.EventsChanged {
			d.SubscriberChanges = append(d.SubscriberChanges, sd)
			d.SubscribersChanged = true
		}
	}

	for name := range newSubs {
		if _, exists := oldSubs[name]; !exists {
			d.SubscriberChanges = append(d.SubscriberChanges, WebhookSubscriberDiff{Name: name, Added: true})
			d.SubscribersChanged = true
		}
	}

	return d
}

// diffSubscriber compares two webhook subscribers with the same name.
func diffSubscriber(name string, old, new *WebhookSubscriber) WebhookSubscriberDiff {
	sd := WebhookSubscriberDiff{Name: name}

	if old.URL != new.URL {
		sd.URLChanged = true
	}
	if old.Secret != new.Secret {
		sd.SecretChanged = true
	}
	if len(old.Events) != len(new.Events) {
		sd.EventsChanged = true
	} else {
		for i := range old.Events {
			if old.Events[i] != new.Events[i] {
				sd.EventsChanged = true
				break
			}
		}
	}

	return sd
}
