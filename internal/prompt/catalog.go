package prompt

import (
	"regexp"
)

// CatalogVersion identifies the confirmation-prompt catalog shipped with
// this build. External tooling extends the catalog via RegisterPattern.
const CatalogVersion = "2024.1"

// Pattern is one confirmation-prompt shape. Matchers use named capture
// groups to populate the request's detail fields: path, command, pkg,
// host, tool.
type Pattern struct {
	Kind Kind
	Re   *regexp.Regexp
}

// defaultCatalog is the ordered pattern list. First match wins, so the
// most specific shapes come first (deletes before generic writes,
// installs before generic command runs).
var defaultCatalog = []Pattern{
	{KindFileDelete, regexp.MustCompile(`(?i)(?:do you want to\s+)?delete\s+(?:the\s+)?file\s+['"]?(?P<path>[^\s'"?]+)['"]?\s*\?`)},
	{KindFileDelete, regexp.MustCompile(`(?i)(?:allow|confirm)\s+(?:removal|deletion)\s+of\s+['"]?(?P<path>[^\s'"?]+)['"]?`)},
	{KindFileEdit, regexp.MustCompile(`(?i)(?:do you want to\s+)?(?:edit|modify|update)\s+(?:the\s+)?file\s+['"]?(?P<path>[^\s'"?]+)['"]?\s*\?`)},
	{KindFileWrite, regexp.MustCompile(`(?i)(?:do you want to\s+)?(?:write|create|save)\s+(?:to\s+)?(?:the\s+)?file\s+['"]?(?P<path>[^\s'"?]+)['"]?\s*\?`)},
	{KindFileWrite, regexp.MustCompile(`(?i)write\s+to\s+['"]?(?P<path>[^\s'"?]+)['"]?\s*\?`)},
	{KindFileRead, regexp.MustCompile(`(?i)(?:do you want to\s+)?read\s+(?:the\s+)?file\s+['"]?(?P<path>[^\s'"?]+)['"]?\s*\?`)},
	{KindPackageInstall, regexp.MustCompile(`(?i)(?:do you want to\s+)?install\s+(?:the\s+)?(?:package|dependency|module)\s+['"]?(?P<pkg>[^\s'"?]+)['"]?\s*\?`)},
	{KindPackageInstall, regexp.MustCompile(`(?i)run\s+['"]?(?:npm|pip|pip3|go)\s+(?:install|get)\s+(?P<pkg>[^\s'"?]+)['"]?\s*\?`)},
	{KindGitOperation, regexp.MustCompile(`(?i)(?:do you want to\s+)?(?:git\s+)?(?P<command>(?:commit|push|rebase|merge|reset)\b[^?]*)\?`)},
	{KindDirectoryCreate, regexp.MustCompile(`(?i)(?:do you want to\s+)?create\s+(?:the\s+)?(?:directory|folder)\s+['"]?(?P<path>[^\s'"?]+)['"]?\s*\?`)},
	{KindCommandExec, regexp.MustCompile("(?i)(?:do you want to\\s+)?(?:run|execute)(?:\\s+(?:the\\s+)?(?:shell\\s+)?command)?\\s*[:`'\"]\\s*(?P<command>[^`'\"?]+?)\\s*[`'\"]?\\s*\\?")},
	{KindCommandExec, regexp.MustCompile(`(?i)(?:run|execute)\s+(?P<command>[^?]+?)\s*\?\s*\(y\/n\)`)},
	{KindNetworkAccess, regexp.MustCompile(`(?i)(?:allow\s+)?(?:network\s+access|connect(?:ion)?)\s+to\s+['"]?(?P<host>[^\s'"?]+)['"]?\s*\?`)},
	{KindPlanApproval, regexp.MustCompile(`(?i)(?:do you want to\s+)?(?:proceed|continue)\s+with\s+(?:this\s+)?plan\s*\?`)},
	{KindPermission, regexp.MustCompile(`(?i)(?:allow|grant|give)\s+(?:permission\s+(?:for|to)\s+)?(?:use\s+of\s+)?(?:tool\s+)?['"]?(?P<tool>[^\s'"?]+)['"]?\s+(?:tool\s+)?permissions?\s*\?`)},
	{KindPermission, regexp.MustCompile(`(?i)allow\s+(?:the\s+agent\s+to\s+)?use\s+(?:the\s+)?['"]?(?P<tool>[^\s'"?]+)['"]?(?:\s+tool)?\s*\?`)},
}
