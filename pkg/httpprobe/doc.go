/*
Package httpprobe is the measuring HTTP transport for probes.

Requests are proxy-free so observed latencies belong to the provider, a
connect timeout bounds dialing separately from the whole-request
timeout, and both HTTP/1.1 and HTTP/2 clients are available. Streaming
responses are wrapped in a Stream that records time to first byte,
time to last byte, bytes read and throughput; error responses carry a
sanitised preview for diagnostics.
*/
package httpprobe
