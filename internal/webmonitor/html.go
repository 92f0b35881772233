package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Inference Gateway Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; }
        .app { max-width: 1100px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 12px; }
        .badge { padding: 2px 8px; border-radius: 4px; background: #333; }
        table { width: 100%; border-collapse: collapse; font-size: 13px; }
        td, th { text-align: left; padding: 2px 4px; }
        img { width: 100%; height: auto; background: #000; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <h1>Inference Gateway Monitor</h1>
            <span class="badge" id="status-badge">Waiting for data...</span>
        </div>
        <div class="grid">
            <div class="panel">
                <h2>Streams</h2>
                <div id="streams"></div>
            </div>
            <div class="panel">
                <h2>Counters</h2>
                <table id="counters"></table>
                <h2>Models</h2>
                <table id="models"></table>
            </div>
        </div>
    </div>
    <script>
        const shown = new Set();

        function renderStreams(streams) {
            const root = document.getElementById('streams');
            if (streams.length === 0) {
                root.textContent = 'No open streams';
                shown.clear();
                return;
            }
            if (shown.size === 0) root.textContent = '';
            for (const s of streams) {
                if (shown.has(s.id)) continue;
                shown.add(s.id);
                const div = document.createElement('div');
                div.innerHTML = '<p>Stream ' + s.id + ': ' + s.format + ' ' + s.width + 'x' + s.height + '</p>' +
                    '<img src="/api/streams/' + s.id + '/mjpeg" alt="stream ' + s.id + '">';
                root.appendChild(div);
            }
        }

        function renderTable(id, rows) {
            document.getElementById(id).innerHTML = rows
                .map(([k, v]) => '<tr><th>' + k + '</th><td>' + v + '</td></tr>')
                .join('');
        }

        const events = new EventSource('/api/status/stream');
        events.onmessage = (e) => {
            const status = JSON.parse(e.data);
            document.getElementById('status-badge').textContent =
                'Updated ' + new Date(status.timestamp * 1000).toLocaleTimeString();
            renderStreams(status.streams);
            renderTable('counters', Object.entries(status.monitor));
            renderTable('models', status.models.map(m => [m.name, m.chip]));
        };
        events.onerror = () => {
            document.getElementById('status-badge').textContent = 'Disconnected';
        };
    </script>
</body>
</html>
`
