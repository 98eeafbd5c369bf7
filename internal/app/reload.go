package app

import (
	"context"
	"reflect"
	"strings"

	"vaultpulse/internal/config"
	logx "vaultpulse/pkg/logx"
)

// startReload fans committed config changes out to the live components.
// Logging, pulse enable flags/sync window and broadcast knobs apply in place;
// everything else is logged as needing a restart.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	if channelSettingsChanged(oldCfg, newCfg) {
		a.log.Warn("channel credentials/settings changed; restart required (enable flags applied now)")
	}

	logCfg := mapLoggingConfig(newCfg)
	if a.opts.logLevel != "" {
		logCfg.Level = a.opts.logLevel
	}
	a.logs.Apply(logCfg)

	if pcfg, err := mapPulseConfig(newCfg); err != nil {
		a.log.Warn("invalid pulse config; keeping previous", logx.Err(err))
	} else {
		a.orch.Apply(pcfg)
	}

	if bcfg, err := mapBroadcastConfig(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.proc.Apply(bcfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// channelSettingsChanged ignores the hot-reloadable fields of the pulse section.
func channelSettingsChanged(oldCfg, newCfg *config.Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	strip := func(p config.PulseConfig) config.PulseConfig {
		p.SyncWindow = ""
		p.Social.Enabled = false
		p.Email.Enabled = false
		p.SMS.Enabled = false
		p.Telegram.Enabled = false
		return p
	}
	return !reflect.DeepEqual(strip(oldCfg.Pulse), strip(newCfg.Pulse))
}
