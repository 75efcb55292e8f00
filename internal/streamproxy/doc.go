// Package streamproxy turns camera streams into shared MJPEG frame sources.
//
// One ffmpeg process per stream id decodes the source into JPEG frames on
// stdout. The newest frame replaces the previous one; subscribers poll it at a
// fixed cadence and never touch the upstream process. A session can run a
// companion counting worker whose events feed the live-count broadcaster.
package streamproxy
