package model

import "errors"

var (
	ErrEmptyLibrary         = errors.New("audio library is empty")
	ErrInvalidSource        = errors.New("invalid audio source")
	ErrDownloadFailed       = errors.New("download failed")
	ErrMetadataLookupFailed = errors.New("track metadata lookup failed")
	ErrTranscodeFailed      = errors.New("transcode failed")
	ErrUnsupportedMedia     = errors.New("unsupported media")
	ErrReplyFailed          = errors.New("reply failed")
	ErrGateway              = errors.New("gateway error")
	ErrBusy                 = errors.New("too many requests in flight")
)

// Class returns a short stable name for the error class, used for metrics
// labels and logs. Unknown errors are "internal".
func Class(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyLibrary):
		return "empty_library"
	case errors.Is(err, ErrInvalidSource):
		return "invalid_source"
	case errors.Is(err, ErrDownloadFailed):
		return "download_failed"
	case errors.Is(err, ErrMetadataLookupFailed):
		return "metadata_lookup_failed"
	case errors.Is(err, ErrUnsupportedMedia):
		return "unsupported_media"
	case errors.Is(err, ErrTranscodeFailed):
		return "transcode_failed"
	case errors.Is(err, ErrReplyFailed):
		return "reply_failed"
	case errors.Is(err, ErrGateway):
		return "gateway"
	case errors.Is(err, ErrBusy):
		return "busy"
	}
	return "internal"
}

// Notice is the sentence shown to the chat user for a failed request. It never
// includes the underlying error text.
func Notice(err error) string {
	switch Class(err) {
	case "empty_library":
		return "I don't have any music to use right now."
	case "invalid_source":
		return "I can't play audio from that link."
	case "download_failed":
		return "I couldn't download that file."
	case "metadata_lookup_failed":
		return "I couldn't find that track."
	case "unsupported_media":
		return "I can't read that image or video."
	case "transcode_failed":
		return "Something went wrong while making your video."
	case "reply_failed":
		return "I couldn't upload the result."
	case "busy":
		return "I'm busy right now, try again in a minute."
	}
	return "Something went wrong."
}
