package transfer

import (
	"net/http"
	"strconv"
	"strings"
)

// HeaderPrefix starts every agent protocol header.
const HeaderPrefix = "DATA-STACK-"

// Agent protocol header names, without HeaderPrefix.
const (
	HdrAgentID          = "Agent-Id"
	HdrAgentName        = "Agent-Name"
	HdrAppName          = "App-Name"
	HdrFlowID           = "Flow-Id"
	HdrFlowName         = "Flow-Name"
	HdrDeploymentName   = "Deployment-Name"
	HdrTxnID            = "Txn-Id"
	HdrRemoteTxnID      = "Remote-Txn-Id"
	HdrFileChecksum     = "File-Checksum"
	HdrOriginalFileName = "Original-File-Name"
	HdrNewFileLocation  = "New-File-Location"
	HdrNewFileName      = "New-File-Name"
	HdrMirrorDirectory  = "Mirror-Directory"
	HdrOperatingSystem  = "Operating-System"
	HdrTotalChunks      = "Total-Chunks"
	HdrCurrentChunk     = "Current-Chunk"
	HdrUniqueID         = "Unique-ID"
	HdrSymmetricKey     = "Symmetric-Key"
	HdrBufferEncryption = "BufferEncryption"
	HdrCompression      = "Compression"
	HdrChunkChecksum    = "Chunk-Checksum"
	HdrFileSize         = "File-Size"
	HdrFileToken        = "File-Token"
	HdrAgentRelease     = "Agent-Release"
	HdrAgentFileID      = "Agent-File-Id"
)

// UploadHeaders is the header set an agent sends with every chunk.
type UploadHeaders struct {
	AgentID          string
	AgentName        string
	App              string
	FlowID           string
	FlowName         string
	DeploymentName   string
	TxnID            string
	RemoteTxnID      string
	Checksum         string
	OriginalFileName string
	NewLocation      string
	NewFileName      string
	MirrorPath       string
	OS               string
	TotalChunks      int
	CurrentChunk     int
	UniqueID         string
	SymmetricKey     string
	BufferEncryption string
	Compression      string
	ChunkChecksum    string
	FileSize         string
	FileToken        string
	AgentRelease     string
}

func get(h http.Header, name string) string {
	return strings.TrimSpace(h.Get(HeaderPrefix + name))
}

// ParseUploadHeaders reads the chunk headers. Missing chunk counters
// default to a single-chunk upload; a missing Unique-ID falls back to the
// remote transaction id.
func ParseUploadHeaders(h http.Header) UploadHeaders {
	u := UploadHeaders{
		AgentID:          get(h, HdrAgentID),
		AgentName:        get(h, HdrAgentName),
		App:              get(h, HdrAppName),
		FlowID:           get(h, HdrFlowID),
		FlowName:         get(h, HdrFlowName),
		DeploymentName:   get(h, HdrDeploymentName),
		TxnID:            get(h, HdrTxnID),
		RemoteTxnID:      get(h, HdrRemoteTxnID),
		Checksum:         get(h, HdrFileChecksum),
		OriginalFileName: get(h, HdrOriginalFileName),
		NewLocation:      get(h, HdrNewFileLocation),
		NewFileName:      get(h, HdrNewFileName),
		MirrorPath:       get(h, HdrMirrorDirectory),
		OS:               get(h, HdrOperatingSystem),
		UniqueID:         get(h, HdrUniqueID),
		SymmetricKey:     get(h, HdrSymmetricKey),
		BufferEncryption: get(h, HdrBufferEncryption),
		Compression:      get(h, HdrCompression),
		ChunkChecksum:    get(h, HdrChunkChecksum),
		FileSize:         get(h, HdrFileSize),
		FileToken:        get(h, HdrFileToken),
		AgentRelease:     get(h, HdrAgentRelease),
	}
	u.TotalChunks = atoiOr(get(h, HdrTotalChunks), 1)
	u.CurrentChunk = atoiOr(get(h, HdrCurrentChunk), 1)
	if u.UniqueID == "" {
		u.UniqueID = u.RemoteTxnID
	}
	return u
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Terminal reports whether this is the last chunk of the file.
func (u UploadHeaders) Terminal() bool { return u.CurrentChunk >= u.TotalChunks }

// Metadata is the snapshot stored with each chunk blob.
func (u UploadHeaders) Metadata() map[string]string {
	return map[string]string{
		"agentId":            u.AgentID,
		"agentName":          u.AgentName,
		"app":                u.App,
		"flowId":             u.FlowID,
		"flowName":           u.FlowName,
		"deploymentName":     u.DeploymentName,
		"datastackTxnId":     u.TxnID,
		"remoteTxnId":        u.RemoteTxnID,
		"checksum":           u.Checksum,
		"originalFileName":   u.OriginalFileName,
		"newLocation":        u.NewLocation,
		"newFileName":        u.NewFileName,
		"mirrorPath":         u.MirrorPath,
		"os":                 u.OS,
		"symmetricKey":       u.SymmetricKey,
		"bufferedEncryption": u.BufferEncryption,
		"compression":        u.Compression,
		"chunkChecksum":      u.ChunkChecksum,
		"fileSize":           u.FileSize,
		"agentRelease":       u.AgentRelease,
		"uniqueId":           u.UniqueID,
		"currentChunk":       strconv.Itoa(u.CurrentChunk),
		"totalChunks":        strconv.Itoa(u.TotalChunks),
	}
}

// escapePath doubles the first backslash of a Windows path, matching what
// agents expect back in action metadata.
func escapePath(p string) string {
	return strings.Replace(p, `\`, `\\`, 1)
}

// SuccessMeta is the metaData of FILE_PROCESSED_SUCCESS.
type SuccessMeta struct {
	OriginalFileName string `json:"originalFileName"`
	NewFileName      string `json:"newFileName"`
	NewLocation      string `json:"newLocation"`
	MirrorPath       string `json:"mirrorPath"`
	MD5CheckSum      string `json:"md5CheckSum"`
	RemoteTxnID      string `json:"remoteTxnID"`
	DataStackTxnID   string `json:"dataStackTxnID"`
}

// ErrorMeta is the metaData of FILE_PROCESSED_ERROR.
type ErrorMeta struct {
	OriginalFileName string `json:"originalFileName"`
	NewFileName      string `json:"newFileName"`
	NewLocation      string `json:"newLocation"`
	MD5CheckSum      string `json:"md5CheckSum"`
	RemoteTxnID      string `json:"remoteTxnID"`
	DataStackTxnID   string `json:"dataStackTxnID"`
	ErrorMessage     string `json:"errorMessage"`
}

// DownloadMeta is the metaData of DOWNLOAD_REQUEST.
type DownloadMeta struct {
	FileName          string   `json:"fileName"`
	RemoteTxnID       string   `json:"remoteTxnID"`
	DataStackTxnID    string   `json:"dataStackTxnID"`
	CheckSum          string   `json:"checkSum"`
	Password          string   `json:"password"`
	FileID            string   `json:"fileID"`
	FileIDList        []string `json:"fileIDList"`
	OperatingSystem   string   `json:"OperatingSystem"`
	ChunkChecksumList string   `json:"chunkChecksumList"`
	TotalChunks       string   `json:"totalChunks"`
	FileLocation      string   `json:"fileLocation"`
	DownloadAgentID   string   `json:"downloadAgentID"`
}

func (u UploadHeaders) successMeta() SuccessMeta {
	return SuccessMeta{
		OriginalFileName: u.OriginalFileName,
		NewFileName:      u.NewFileName,
		NewLocation:      escapePath(u.NewLocation),
		MirrorPath:       escapePath(u.MirrorPath),
		MD5CheckSum:      u.Checksum,
		RemoteTxnID:      u.RemoteTxnID,
		DataStackTxnID:   u.TxnID,
	}
}

func (u UploadHeaders) errorMeta(msg string) ErrorMeta {
	return ErrorMeta{
		OriginalFileName: u.OriginalFileName,
		NewFileName:      u.NewFileName,
		NewLocation:      escapePath(u.NewLocation),
		MD5CheckSum:      u.Checksum,
		RemoteTxnID:      u.RemoteTxnID,
		DataStackTxnID:   u.TxnID,
		ErrorMessage:     msg,
	}
}

func (u UploadHeaders) downloadMeta(fileIDs []string, targetAgentID string) DownloadMeta {
	last := ""
	if len(fileIDs) > 0 {
		last = fileIDs[len(fileIDs)-1]
	}
	return DownloadMeta{
		FileName:          u.OriginalFileName,
		RemoteTxnID:       u.RemoteTxnID,
		DataStackTxnID:    u.TxnID,
		CheckSum:          u.Checksum,
		Password:          u.SymmetricKey,
		FileID:            last,
		FileIDList:        fileIDs,
		OperatingSystem:   u.OS,
		ChunkChecksumList: u.ChunkChecksum,
		TotalChunks:       strconv.Itoa(u.TotalChunks),
		FileLocation:      u.NewLocation,
		DownloadAgentID:   targetAgentID,
	}
}
