// Package common provides the configuration structures and the logging setup
// shared by the client, the test server and the command line tools.
//
// Key Components:
//
//   - ClientConfig: hosts, transport type, credentials, connection pool
//     limits, node error rate limiting plus the nested EventLoopConfig and
//     SocketConfig. Defaults are declared with struct tags and applied with
//     NewClientConfig.
//
//   - EventLoopConfig: number of loops, I/O driver, admission limits, timer
//     wheel resolution and buffer pool bounds.
//
//   - ServerConfig: endpoint, namespace, credentials and store sharding of the
//     wire compatible test server.
//
//   - Logger: implementation of dragonboat's logger.ILogger with consistent
//     formatting. InitLoggers installs it for all package loggers.
package common
