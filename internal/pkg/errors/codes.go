package errors

// Error code constants. Codes carry the machine-readable classification;
// report rows record the vendor message verbatim alongside the code.

// Array session error codes.
const (
	CodeArrayAuthFailed     = "ARRAY_AUTH_FAILED"
	CodeArrayTokenMissing   = "ARRAY_TOKEN_MISSING"
	CodeArraySessionExpired = "ARRAY_SESSION_EXPIRED"
)

// Array listing/detail error codes.
const (
	CodeArrayPageFetchFailed = "ARRAY_PAGE_FETCH_FAILED"
	CodeArrayBadEnvelope     = "ARRAY_BAD_ENVELOPE"
	CodeArrayDetailFailed    = "ARRAY_DETAIL_FAILED"
	CodeArrayOffsetCeiling   = "ARRAY_OFFSET_CEILING"
)

// Deletion outcome codes.
const (
	CodeDeleteRefused = "DELETE_REFUSED_BY_ARRAY"
	CodeDeleteFailed  = "DELETE_FAILED"
)

// Cluster inventory error codes.
const (
	CodeClusterListFailed = "CLUSTER_LIST_FAILED"
	CodeKubeconfigInvalid = "KUBECONFIG_INVALID"
)

// Node/array CLI scrape error codes.
const (
	CodeNodeExecFailed = "NODE_EXEC_FAILED"
	CodeParseFailed    = "CLI_PARSE_FAILED"
	CodeCleanupRefused = "CLEANUP_GATE_REFUSED"
	CodeDeviceBusy     = "DEVICE_IN_USE_ON_NODE"
)

// Metrics error codes.
const (
	CodeTunnelFailed    = "MONITORING_TUNNEL_FAILED"
	CodePromQueryFailed = "PROM_QUERY_FAILED"
	CodeBearerExpired   = "BEARER_TOKEN_EXPIRED"
)
