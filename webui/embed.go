package webui

import "embed"

// 看板静态资源，由 webapi 以 GET / 提供
//
//go:embed index.html style.css app.js
var Assets embed.FS
