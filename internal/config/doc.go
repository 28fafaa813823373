// Package config loads and watches the exporter configuration document.
//
// Top-level types:
//   - Config: the immutable result of a load, holding connection settings (ldapUrl,
//     username, password, baseDn, startTls, tls, timeouts), output switches
//     (lowercaseOutputName, lowercaseOutputLabelNames), the allow/deny filter
//     fragments, extra attributes and the ordered rule list
//   - Rule: compiled pattern plus name/value/help/label templates
//   - Template: a replacement string with $n / ${name} group references
//   - MetricType: COUNTER | GAUGE | UNTYPED
//
// LoadFile(path) and LoadString(text) apply defaults (ldap://127.0.0.1:389,
// cn=Monitor, 5s connect timeout, one catch-all rule when `rules` is absent),
// then validate the document. A rule whose pattern does not compile is logged
// and skipped; any other violation fails the load.
//
// Watch(ctx, path, onEvent) uses fsnotify on the parent directory so that
// editors replacing the file through a rename are still observed.
package config
